// Package notify is the host desktop notification surface: the external
// collaborator a Subscription actor hands a Notification to, kept behind
// an interface so the core never links against a GUI toolkit directly.
package notify

import (
	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/outputtracker"
)

// Sink displays a desktop notification. Implementations must be safe for
// concurrent use: multiple Subscription actors may call Send at once.
type Sink interface {
	Send(n model.Notification) error
}

// NullSink discards every notification, recording them in an output
// tracker so tests can assert on what would have been shown without a
// real desktop environment.
type NullSink struct {
	tracker *outputtracker.Tracker[model.Notification]
}

// NewNullSink builds a NullSink. If tracker is nil, a disabled tracker is
// allocated (call Tracker().Enable() to start recording).
func NewNullSink(tracker *outputtracker.Tracker[model.Notification]) *NullSink {
	if tracker == nil {
		tracker = outputtracker.New[model.Notification]()
	}
	return &NullSink{tracker: tracker}
}

// Tracker exposes the underlying output tracker.
func (s *NullSink) Tracker() *outputtracker.Tracker[model.Notification] {
	return s.tracker
}

func (s *NullSink) Send(n model.Notification) error {
	s.tracker.Push(n)
	return nil
}
