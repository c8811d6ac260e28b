// Package generate is the boundary to the language-generation service.
package generate

import (
	"context"
	"fmt"
	"strings"
)

// Prompt describes the text an agent needs.
type Prompt struct {
	Agent    string
	Task     string
	Topic    string
	Audience string
	Tone     string
	Facts    []string
	MaxWords int
}

// Render turns the prompt into the instruction sent to the model.
func (p Prompt) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", p.Task)
	if p.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", p.Topic)
	}
	if p.Audience != "" {
		fmt.Fprintf(&b, "Audience: %s\n", p.Audience)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", p.Tone)
	}
	if p.MaxWords > 0 {
		fmt.Fprintf(&b, "Length: at most %d words\n", p.MaxWords)
	}
	if len(p.Facts) > 0 {
		b.WriteString("Use these facts:\n")
		for _, f := range p.Facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nReply with a first line \"Title: <title>\", then the body, then an optional last line \"Tags: a, b, c\".")
	return b.String()
}

// Text is generated copy split into its parts.
type Text struct {
	Title string
	Body  string
	Tags  []string
}

type Generator interface {
	Generate(ctx context.Context, p Prompt) (Text, error)
}

// Parse splits model output into title, body and tags. A missing title line
// falls back to the first non-empty line.
func Parse(output string) Text {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	var t Text
	var body []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case t.Title == "" && strings.HasPrefix(strings.ToLower(trimmed), "title:"):
			t.Title = strings.TrimSpace(trimmed[len("title:"):])
		case strings.HasPrefix(strings.ToLower(trimmed), "tags:"):
			for _, tag := range strings.Split(trimmed[len("tags:"):], ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					t.Tags = append(t.Tags, strings.TrimPrefix(tag, "#"))
				}
			}
		default:
			body = append(body, line)
		}
	}
	t.Body = strings.TrimSpace(strings.Join(body, "\n"))
	if t.Title == "" && t.Body != "" {
		first, rest, _ := strings.Cut(t.Body, "\n")
		t.Title = strings.TrimSpace(strings.TrimLeft(first, "# "))
		t.Body = strings.TrimSpace(rest)
	}
	return t
}
