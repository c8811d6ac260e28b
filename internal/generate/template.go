package generate

import (
	"context"
	"fmt"
	"strings"
)

// Template produces plain copy from the prompt alone. It backs dry runs and
// deployments without a model key.
type Template struct{}

func (Template) Generate(ctx context.Context, p Prompt) (Text, error) {
	if err := ctx.Err(); err != nil {
		return Text{}, err
	}
	topic := p.Topic
	if topic == "" {
		topic = p.Task
	}
	var body strings.Builder
	fmt.Fprintf(&body, "%s.", titleCase(topic))
	for _, f := range p.Facts {
		fmt.Fprintf(&body, " %s.", strings.TrimSuffix(strings.TrimSpace(f), "."))
	}
	return Text{
		Title: titleCase(topic),
		Body:  body.String(),
		Tags:  tagsFrom(topic),
	}, nil
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func tagsFrom(topic string) []string {
	var tags []string
	for _, w := range strings.Fields(strings.ToLower(topic)) {
		w = strings.Trim(w, ".,:;!?\"'")
		if len(w) > 3 {
			tags = append(tags, w)
		}
		if len(tags) == 3 {
			break
		}
	}
	return tags
}
