package platform

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

// DryRun logs what would be published and reports nothing back. It never
// invents measurements, so KPIs computed from it stay empty.
type DryRun struct {
	name string
	seq  atomic.Int64
}

func NewDryRun(name string) *DryRun {
	return &DryRun{name: name}
}

func (d *DryRun) Publish(_ context.Context, c Content) (PostID, error) {
	n := d.seq.Add(1)
	log.Printf("[platform:%s] dry-run publish %q (%s)", d.name, c.Title, c.Type)
	return PostID(fmt.Sprintf("dry-%s-%d", d.name, n)), nil
}

func (d *DryRun) FetchEngagement(context.Context, PostID) (Engagement, error) {
	return Engagement{}, nil
}

func (d *DryRun) FetchRecent(context.Context, string) ([]Item, error) {
	return nil, nil
}

func (d *DryRun) Respond(_ context.Context, itemID, text string) error {
	log.Printf("[platform:%s] dry-run respond to %s (%d chars)", d.name, itemID, len(text))
	return nil
}
