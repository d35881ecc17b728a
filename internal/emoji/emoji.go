// Package emoji renders a message's tags as a leading emoji prefix,
// following ntfy's "tag name doubles as an emoji shortcode" convention.
package emoji

import (
	"embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ntfy-daemon/ntfyd/internal/model"
)

//go:embed data/tags.json
var tagsFS embed.FS

var (
	once    sync.Once
	tagMap  map[string]string
	loadErr error
)

func emojiFor(tag string) (string, bool) {
	once.Do(func() {
		raw, err := tagsFS.ReadFile("data/tags.json")
		if err != nil {
			loadErr = err
			return
		}
		tagMap = make(map[string]string)
		loadErr = json.Unmarshal(raw, &tagMap)
	})
	if loadErr != nil {
		return "", false
	}
	e, ok := tagMap[tag]
	return e, ok
}

func prefixFor(tags []string) string {
	var b strings.Builder
	for _, tag := range tags {
		if e, ok := emojiFor(tag); ok {
			b.WriteString(e)
		}
	}
	return b.String()
}

// DisplayTitle prefixes msg's title with an emoji rendering of its tags.
// Returns the empty string if msg has no title.
func DisplayTitle(msg model.Message) string {
	if msg.Title == "" {
		return ""
	}
	prefix := prefixFor(msg.Tags)
	if prefix == "" {
		return msg.Title
	}
	return prefix + " " + msg.Title
}

// DisplayMessage prefixes msg's body with an emoji rendering of its tags,
// but only when msg has no title: tags decorate whichever field is shown
// first, and a title already absorbed the prefix.
func DisplayMessage(msg model.Message) string {
	if msg.Message == "" {
		return ""
	}
	if msg.Title != "" {
		return msg.Message
	}
	prefix := prefixFor(msg.Tags)
	if prefix == "" {
		return msg.Message
	}
	return prefix + " " + msg.Message
}
