package agent

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/stellarlinkco/rankpilot/internal/generate"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
)

// replyTemplate fills the playbook template for a review. The template is
// chosen by rating band and varied by review id.
func replyTemplate(pb *playbook.Playbook, r intel.Review) string {
	h := fnv.New32a()
	h.Write([]byte(r.ID))
	vars := pb.Vars()
	vars["name"] = firstName(r.Author)
	return playbook.Fill(playbook.Pick(pb.ResponseTemplates(r.Rating), int(h.Sum32()%1024)), vars)
}

func firstName(author string) string {
	if fields := strings.Fields(author); len(fields) > 0 {
		return fields[0]
	}
	return "there"
}

// replyText returns the reply for r. With a model configured the template is
// personalized; the template itself is the fallback.
func (b *Base) replyText(ctx context.Context, r intel.Review) string {
	base := replyTemplate(b.deps.Playbook, r)
	if !b.model || r.Text == "" {
		return base
	}
	var text generate.Text
	err := b.call(ctx, "generate reply", func(ctx context.Context) error {
		var err error
		text, err = b.deps.Generator.Generate(ctx, generate.Prompt{
			Agent:    b.id,
			Task:     "short personal reply to a customer review",
			Tone:     "warm, professional, no legal advice",
			Facts:    []string{"Review (" + strconv.Itoa(r.Rating) + " stars): " + r.Text, "Start from: " + base},
			MaxWords: 80,
		})
		return err
	})
	if err != nil || strings.TrimSpace(text.Body) == "" {
		if err != nil {
			b.logf("reply generation failed, using template: %v", err)
		}
		return base
	}
	return strings.TrimSpace(text.Body)
}

// respond answers every unanswered review in snap through adapter and marks
// the answered ones in place. It returns the number answered and the errors
// of the rest.
func (b *Base) respond(ctx context.Context, adapter platform.Adapter, snap *intel.ReviewSnapshot) (int, []error) {
	var (
		answered int
		errs     []error
	)
	for i := range snap.Reviews {
		r := &snap.Reviews[i]
		if r.Responded {
			continue
		}
		reply := b.replyText(ctx, *r)
		if err := b.call(ctx, "respond to review "+r.ID, func(ctx context.Context) error {
			return adapter.Respond(ctx, r.ID, reply)
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		r.Responded = true
		answered++
	}
	return answered, errs
}
