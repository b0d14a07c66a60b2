// Package message renders a Post into channel text.
package message

import (
	"strings"
	"unicode/utf8"

	"crosspost/internal/crosspost"
)

const (
	DefaultPrefix      = "📢 "
	DefaultPlaceholder = "New post"
	ellipsis           = "..."
)

// Style is one channel's text convention.
type Style struct {
	MaxLen      int // runes; <=0 means unlimited
	Prefix      string
	Tags        bool
	Location    bool
	Link        bool
	Placeholder string
}

// Body returns the deduplicated title/description pair. It returns "" when
// both are empty so callers can pick their own placeholder.
func Body(title, description string) string {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)

	switch {
	case title == "" && description == "":
		return ""
	case description == "" || description == title || strings.HasPrefix(description, title):
		if description != "" {
			return description
		}
		return title
	case title == "":
		return description
	}
	return title + "\n\n" + description
}

// Detail returns the description for layouts that show the title on its own
// (embeds, headers). It is "" whenever Body would drop the title, so the
// header is the only place the title appears.
func Detail(title, description string) string {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if title != "" && strings.HasPrefix(description, title) {
		return ""
	}
	return description
}

// Tags renders "#a #b" from the post tags.
func Tags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range NormalizeTags(tags) {
		out = append(out, "#"+t)
	}
	return strings.Join(out, " ")
}

// NormalizeTags trims tags, drops a leading '#' and skips empties.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Build renders p according to st and truncates the result to st.MaxLen.
func Build(p crosspost.Post, st Style) string {
	body := Body(p.Title, p.Description)
	if body == "" {
		body = st.Placeholder
		if body == "" {
			body = DefaultPlaceholder
		}
	}

	var b strings.Builder
	b.WriteString(st.Prefix)
	b.WriteString(body)

	if st.Tags {
		if tags := Tags(p.Tags); tags != "" {
			b.WriteString("\n\n")
			b.WriteString(tags)
		}
	}

	var extra []string
	if loc := strings.TrimSpace(p.Location); st.Location && loc != "" {
		extra = append(extra, "📍 "+loc)
	}
	if link := strings.TrimSpace(p.ExternalLink); st.Link && link != "" {
		extra = append(extra, "🔗 "+link)
	}
	if len(extra) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(extra, "\n"))
	}
	return Truncate(b.String(), st.MaxLen)
}

// Truncate cuts s to at most limit runes, ending in "..." when it cut.
// A limit with no room for text plus the ellipsis cuts hard instead.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	if limit <= len(ellipsis) {
		return string(r[:limit])
	}
	return strings.TrimRightFunc(string(r[:limit-len(ellipsis)]), isSpace) + ellipsis
}

func isSpace(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }
