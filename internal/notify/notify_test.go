package notify

import (
	"testing"

	"github.com/ntfy-daemon/ntfyd/internal/model"
)

func TestNullSink_DisabledByDefault(t *testing.T) {
	s := NewNullSink(nil)
	if err := s.Send(model.Notification{Title: "t"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := s.Tracker().Items(); len(got) != 0 {
		t.Fatalf("Items() = %v, want empty while disabled", got)
	}
}

func TestNullSink_RecordsWhenEnabled(t *testing.T) {
	s := NewNullSink(nil)
	s.Tracker().Enable()
	n := model.Notification{Title: "Disk full", Body: "90% used"}
	if err := s.Send(n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := s.Tracker().Items()
	if len(got) != 1 || got[0].Title != n.Title || got[0].Body != n.Body {
		t.Fatalf("Items() = %+v, want [%+v]", got, n)
	}
}
