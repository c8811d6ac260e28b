package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *HTTP {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := NewHTTP("listing", srv.URL, "secret", 2*time.Second)
	require.NoError(t, err)
	return a
}

func TestNewHTTP_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTP("social", " ", "", 0)
	require.Error(t, err)
	assert.True(t, fault.IsConfiguration(err))
}

func TestHTTP_Publish(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/publish", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var c Content
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		assert.Equal(t, "Spring tips", c.Title)
		_, _ = io.WriteString(w, `{"id":"gmb-42"}`)
	})

	id, err := a.Publish(context.Background(), Content{Title: "Spring tips", Type: "tip"})
	require.NoError(t, err)
	assert.Equal(t, PostID("gmb-42"), id)
}

func TestHTTP_PublishWithoutIDIsValidationError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	_, err := a.Publish(context.Background(), Content{Title: "x"})
	assert.True(t, fault.IsValidation(err))
}

func TestHTTP_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = io.WriteString(w, "nope")
		})
		err := a.Respond(context.Background(), "r1", "thanks")
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.transient, fault.IsTransient(err), "status %d: %v", tt.status, err)
	}
}

func TestHTTP_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := a.FetchEngagement(ctx, "p1")
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err), "got %v", err)
}

func TestHTTP_FetchRecentNormalizes(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "reviews:downtown", r.URL.Query().Get("source"))
		_, _ = io.WriteString(w, `{"items":[
			{"id":"r1","kind":"REVIEW","author":" Ann ","rating":9,"text":"great","createdAt":"2026-03-01T10:00:00Z"},
			{"id":"","kind":"review","rating":1},
			{"id":"r3","kind":"review","rating":-4,"engagement":-3,"responded":true},
			{"id":"r4"}
		]}`)
	})

	items, err := a.FetchRecent(context.Background(), Source(ScopeReviews, "downtown"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ItemReview, items[0].Kind)
	assert.Equal(t, "Ann", items[0].Author)
	assert.Equal(t, 5, items[0].Rating)
	assert.Equal(t, "reviews:downtown", items[0].Source)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), items[0].CreatedAt.UTC())
	assert.Equal(t, 1, items[1].Rating)
	assert.Zero(t, items[1].Engagement)
	assert.True(t, items[1].Responded)
}

func TestHTTP_FetchRecentRejectsBadSource(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := a.FetchRecent(context.Background(), "downtown")
	assert.True(t, fault.IsValidation(err))
}

func TestHTTP_MalformedBodyIsValidationError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"views": "many"`)
	})
	_, err := a.FetchEngagement(context.Background(), "p1")
	assert.True(t, fault.IsValidation(err))
}

func TestEngagement(t *testing.T) {
	e := Engagement{Views: 200, Likes: 10, Shares: 5, Comments: 3, Clicks: 2}
	assert.Equal(t, 20, e.Total())
	assert.InDelta(t, 0.1, e.Rate(), 1e-9)
	assert.Zero(t, Engagement{Likes: 3}.Rate())
}

func TestSource(t *testing.T) {
	assert.Equal(t, "rankings:rival.com", Source(ScopeRankings, " rival.com "))
	scope, id, err := SplitSource("posts:@rival")
	require.NoError(t, err)
	assert.Equal(t, ScopePosts, scope)
	assert.Equal(t, "@rival", id)
	_, _, err = SplitSource("nothing")
	assert.Error(t, err)
}

func TestPlatforms_Networks(t *testing.T) {
	p := Platforms{Social: map[string]Adapter{"x": NewDryRun("x"), "facebook": NewDryRun("facebook"), "linkedin": NewDryRun("linkedin")}}
	assert.Equal(t, []string{"facebook", "linkedin", "x"}, p.Networks())
}

func TestDryRun(t *testing.T) {
	d := NewDryRun("site")
	id1, err := d.Publish(context.Background(), Content{Title: "a"})
	require.NoError(t, err)
	id2, _ := d.Publish(context.Background(), Content{Title: "b"})
	assert.NotEqual(t, id1, id2)
	items, err := d.FetchRecent(context.Background(), "reviews:x")
	require.NoError(t, err)
	assert.Empty(t, items)
}
