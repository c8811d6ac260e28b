package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKinds(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		is   error
	}{
		{"transient", Transient("ranking.fetch", cause), ErrTransient},
		{"validation", Validation("decode", "impact %d out of range", 12), ErrValidation},
		{"configuration", Configuration("listing.start", "no listing adapter"), ErrConfiguration},
		{"aggregation", Aggregation("kpi.reviews", cause), ErrAggregation},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.is) {
			t.Errorf("%s: errors.Is(%v) = false", tt.name, tt.err)
		}
	}
	if !errors.Is(Transient("op", cause), cause) {
		t.Error("transient error should unwrap to its cause")
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
	if !IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Error("deadline exceeded should be transient")
	}
	if IsTransient(Validation("op", "bad")) {
		t.Error("validation error should not be transient")
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: ErrAggregation, Op: "kpi.social"}
	if got := err.Error(); got != "kpi.social: aggregation error" {
		t.Errorf("Error() = %q", got)
	}
}
