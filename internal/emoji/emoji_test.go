package emoji

import (
	"testing"

	"github.com/ntfy-daemon/ntfyd/internal/model"
)

func TestDisplayTitle_PrefixesKnownTags(t *testing.T) {
	msg := model.Message{Title: "Disk full", Tags: []string{"warning", "computer"}}
	got := DisplayTitle(msg)
	want := "⚠️💻 Disk full"
	if got != want {
		t.Fatalf("DisplayTitle() = %q, want %q", got, want)
	}
}

func TestDisplayTitle_NoTitleIsEmpty(t *testing.T) {
	msg := model.Message{Message: "body only"}
	if got := DisplayTitle(msg); got != "" {
		t.Fatalf("DisplayTitle() = %q, want empty", got)
	}
}

func TestDisplayTitle_UnknownTagsNoPrefix(t *testing.T) {
	msg := model.Message{Title: "Hello", Tags: []string{"not-a-real-tag"}}
	if got := DisplayTitle(msg); got != "Hello" {
		t.Fatalf("DisplayTitle() = %q, want %q", got, "Hello")
	}
}

func TestDisplayMessage_SkipsPrefixWhenTitlePresent(t *testing.T) {
	msg := model.Message{Title: "Disk full", Message: "90% used", Tags: []string{"warning"}}
	if got := DisplayMessage(msg); got != "90% used" {
		t.Fatalf("DisplayMessage() = %q, want %q", got, "90% used")
	}
}

func TestDisplayMessage_PrefixesWhenNoTitle(t *testing.T) {
	msg := model.Message{Message: "90% used", Tags: []string{"warning"}}
	got := DisplayMessage(msg)
	want := "⚠️ 90% used"
	if got != want {
		t.Fatalf("DisplayMessage() = %q, want %q", got, want)
	}
}
