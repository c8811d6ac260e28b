// Package platformtest provides an in-memory platform.Adapter for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/stellarlinkco/rankpilot/internal/platform"
)

// Response is a recorded Respond call.
type Response struct {
	ItemID string
	Text   string
}

// Fake serves canned items per source id and records writes. Errors can be
// injected per source id or per operation.
type Fake struct {
	mu         sync.Mutex
	items      map[string][]platform.Item
	engagement map[platform.PostID]platform.Engagement
	fetchErr   map[string]error
	publishErr error
	respondErr error
	published  []platform.Content
	responses  []Response
	fetches    []string
	seq        int
}

func New() *Fake {
	return &Fake{
		items:      make(map[string][]platform.Item),
		engagement: make(map[platform.PostID]platform.Engagement),
		fetchErr:   make(map[string]error),
	}
}

// SetItems replaces the items served for source.
func (f *Fake) SetItems(source string, items ...platform.Item) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range items {
		items[i].Source = source
	}
	f.items[source] = items
	return f
}

func (f *Fake) SetEngagement(id platform.PostID, e platform.Engagement) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engagement[id] = e
	return f
}

// FailFetch makes FetchRecent(source) return err. An empty source fails every
// fetch.
func (f *Fake) FailFetch(source string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr[source] = err
	return f
}

func (f *Fake) FailPublish(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
	return f
}

func (f *Fake) FailRespond(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respondErr = err
	return f
}

func (f *Fake) Publish(ctx context.Context, c platform.Content) (platform.PostID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.seq++
	f.published = append(f.published, c)
	return platform.PostID(fmt.Sprintf("post-%d", f.seq)), nil
}

func (f *Fake) FetchEngagement(ctx context.Context, id platform.PostID) (platform.Engagement, error) {
	if err := ctx.Err(); err != nil {
		return platform.Engagement{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engagement[id], nil
}

func (f *Fake) FetchRecent(ctx context.Context, source string) ([]platform.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, source)
	if err, ok := f.fetchErr[source]; ok {
		return nil, err
	}
	if err, ok := f.fetchErr[""]; ok {
		return nil, err
	}
	return append([]platform.Item(nil), f.items[source]...), nil
}

func (f *Fake) Respond(ctx context.Context, itemID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respondErr != nil {
		return f.respondErr
	}
	f.responses = append(f.responses, Response{ItemID: itemID, Text: text})
	return nil
}

func (f *Fake) Published() []platform.Content {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Content(nil), f.published...)
}

func (f *Fake) Responses() []Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Response(nil), f.responses...)
}

func (f *Fake) Fetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}
