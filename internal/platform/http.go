package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/fault"
)

// HTTP talks to a platform gateway speaking a small JSON protocol:
//
//	POST {base}/publish                 Content -> {"id": "..."}
//	GET  {base}/engagement/{id}         -> Engagement
//	GET  {base}/items?source={source}   -> {"items": [...]}
//	POST {base}/items/{id}/respond      {"text": "..."}
type HTTP struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTP returns an adapter for the gateway at baseURL. The client timeout
// defaults to 60s; callers still bound each call with a context deadline.
func NewHTTP(name, baseURL, token string, timeout time.Duration) (*HTTP, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fault.Configuration("platform "+name, "base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fault.Configuration("platform "+name, "invalid base url: %v", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTP{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) Publish(ctx context.Context, c Content) (PostID, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := h.do(ctx, http.MethodPost, "/publish", c, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fault.Validation(h.op("publish"), "response without post id")
	}
	return PostID(out.ID), nil
}

func (h *HTTP) FetchEngagement(ctx context.Context, id PostID) (Engagement, error) {
	var out wireEngagement
	if err := h.do(ctx, http.MethodGet, "/engagement/"+url.PathEscape(string(id)), nil, &out); err != nil {
		return Engagement{}, err
	}
	return out.normalize(), nil
}

func (h *HTTP) FetchRecent(ctx context.Context, sourceID string) ([]Item, error) {
	if _, _, err := SplitSource(sourceID); err != nil {
		return nil, fault.Validation(h.op("fetch"), "%v", err)
	}
	var out struct {
		Items []wireItem `json:"items"`
	}
	if err := h.do(ctx, http.MethodGet, "/items?source="+url.QueryEscape(sourceID), nil, &out); err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(out.Items))
	for _, w := range out.Items {
		item, ok := w.normalize(sourceID)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (h *HTTP) Respond(ctx context.Context, itemID, text string) error {
	body := map[string]string{"text": text}
	return h.do(ctx, http.MethodPost, "/items/"+url.PathEscape(itemID)+"/respond", body, nil)
}

func (h *HTTP) op(what string) string { return h.name + " " + what }

func (h *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	op := h.op(strings.TrimPrefix(path, "/"))

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if isTransientNetErr(err) || ctx.Err() != nil {
			return fault.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fault.Transient(op, fmt.Errorf("read body: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, data); err != nil {
		if errors.Is(err, fault.ErrTransient) {
			return fault.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fault.Validation(op, "decode response: %v", err)
	}
	return nil
}

// classifyStatus treats 429 and 5xx as transient, any other non-2xx as a
// permanent failure.
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("status %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status >= 500 {
		return errors.Join(fault.ErrTransient, err)
	}
	return err
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

type wireEngagement struct {
	Views     *int `json:"views"`
	Likes     *int `json:"likes"`
	Shares    *int `json:"shares"`
	Comments  *int `json:"comments"`
	Clicks    *int `json:"clicks"`
	Followers *int `json:"followers"`
}

func nonNegative(p *int) int {
	if p == nil || *p < 0 {
		return 0
	}
	return *p
}

func (w wireEngagement) normalize() Engagement {
	return Engagement{
		Views:     nonNegative(w.Views),
		Likes:     nonNegative(w.Likes),
		Shares:    nonNegative(w.Shares),
		Comments:  nonNegative(w.Comments),
		Clicks:    nonNegative(w.Clicks),
		Followers: nonNegative(w.Followers),
	}
}

type wireItem struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	Author     *string  `json:"author"`
	Title      *string  `json:"title"`
	Text       *string  `json:"text"`
	URL        *string  `json:"url"`
	Keyword    *string  `json:"keyword"`
	Rating     *int     `json:"rating"`
	Position   *int     `json:"position"`
	Volume     *int     `json:"volume"`
	Score      *float64 `json:"score"`
	Engagement *int     `json:"engagement"`
	Followers  *int     `json:"followers"`
	Responded  *bool    `json:"responded"`
	CreatedAt  string   `json:"createdAt"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// normalize drops items without an id or kind and clamps ratings to 1..5.
func (w wireItem) normalize(source string) (Item, bool) {
	if strings.TrimSpace(w.ID) == "" || w.Kind == "" {
		return Item{}, false
	}
	item := Item{
		ID:         w.ID,
		Kind:       ItemKind(strings.ToLower(w.Kind)),
		Source:     source,
		Author:     str(w.Author),
		Title:      str(w.Title),
		Text:       str(w.Text),
		URL:        str(w.URL),
		Keyword:    str(w.Keyword),
		Position:   nonNegative(w.Position),
		Volume:     nonNegative(w.Volume),
		Engagement: nonNegative(w.Engagement),
		Followers:  nonNegative(w.Followers),
	}
	if w.Rating != nil {
		item.Rating = min(max(*w.Rating, 1), 5)
	}
	if w.Score != nil {
		item.Score = *w.Score
	}
	if w.Responded != nil {
		item.Responded = *w.Responded
	}
	if w.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, w.CreatedAt); err == nil {
			item.CreatedAt = t
		}
	}
	return item, true
}
