// Package notify delivers warnings and emergencies to humans.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// AtLeast reports whether s is as severe as floor.
func (s Severity) AtLeast(floor Severity) bool { return s.rank() >= floor.rank() }

// ParseSeverity accepts info, warning or critical; anything else is info.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityWarning:
		return SeverityWarning
	}
	return SeverityInfo
}

type Notifier interface {
	Alert(ctx context.Context, severity Severity, message string) error
}

// Log writes alerts to the standard logger.
type Log struct{}

func (Log) Alert(_ context.Context, severity Severity, message string) error {
	log.Printf("[notify] %s: %s", severity, message)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Alert(ctx context.Context, severity Severity, message string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Alert(ctx, severity, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter drops alerts below Min before passing them on.
type Filter struct {
	Min  Severity
	Next Notifier
}

func (f Filter) Alert(ctx context.Context, severity Severity, message string) error {
	if !severity.AtLeast(f.Min) {
		return nil
	}
	return f.Next.Alert(ctx, severity, message)
}

// Alert is one delivered notification.
type Alert struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Recorder keeps alerts in memory. The API exposes them and tests assert
// on them.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	max    int
}

// NewRecorder keeps at most max alerts, dropping the oldest.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 100
	}
	return &Recorder{max: max}
}

func (r *Recorder) Alert(_ context.Context, severity Severity, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Alert{Severity: severity, Message: message})
	if len(r.alerts) > r.max {
		r.alerts = r.alerts[len(r.alerts)-r.max:]
	}
	return nil
}

// Alerts returns a copy of the recorded alerts, oldest first.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Count returns how many recorded alerts have the given severity.
func (r *Recorder) Count(severity Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Severity == severity {
			n++
		}
	}
	return n
}

func format(severity Severity, message string) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(severity)), message)
}
