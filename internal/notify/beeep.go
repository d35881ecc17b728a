package notify

import (
	"github.com/gen2brain/beeep"
	"github.com/ntfy-daemon/ntfyd/internal/model"
)

// BeeepSink is the real Sink, backed by gen2brain/beeep's cross-platform
// (libnotify/Notification Center/Windows toast) notification call.
type BeeepSink struct {
	// AppIcon is passed to beeep.Notify as the icon path; empty uses the
	// platform default.
	AppIcon string
}

// NewBeeepSink builds a BeeepSink that shows notifications with appIcon
// (a path to an icon file, or "" for the platform default).
func NewBeeepSink(appIcon string) *BeeepSink {
	return &BeeepSink{AppIcon: appIcon}
}

func (s *BeeepSink) Send(n model.Notification) error {
	return beeep.Notify(n.Title, n.Body, s.AppIcon)
}
