// Package notify pushes operator alerts (connection exhaustion, dead-letter
// growth, election failures) to chat sinks. Sinks are send-only and
// best-effort: a failed alert is logged, never retried past its own
// rate-limit handling, and never blocks the bridge.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Severities order alerts for sink formatting.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity string
	Title    string
	Detail   string
	At       time.Time
}

// Notifier delivers alerts to one sink.
type Notifier interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every configured sink. Failures are logged per
// sink and do not stop the others.
type Multi struct {
	sinks []Notifier
}

// NewMulti builds a fan-out notifier. A Multi with no sinks is valid and
// drops everything.
func NewMulti(sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks}
}

// Send delivers the alert to all sinks.
func (m *Multi) Send(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	for _, s := range m.sinks {
		if err := s.Send(ctx, a); err != nil {
			log.Printf("notify: %s: %v", s.Name(), err)
		}
	}
}

// Sinks reports how many sinks are attached.
func (m *Multi) Sinks() int {
	return len(m.sinks)
}

func severityPrefix(severity string) string {
	switch severity {
	case SeverityCritical:
		return ":rotating_light:"
	case SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func formatAlert(a Alert) string {
	return fmt.Sprintf("%s *%s*\n%s", severityPrefix(a.Severity), a.Title, a.Detail)
}
