package notifier

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Telegram rejects bodies above 4096 characters; the rest is headroom for
// markup added by the API.
const maxMessageRunes = 3800

// MessageSection is one titled block of a notification.
type MessageSection struct {
	Title string
	Lines []string
}

func (s MessageSection) content() []string {
	out := make([]string, 0, len(s.Lines))
	for _, line := range s.Lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, unfence(text))
		}
	}
	return out
}

// StructuredMessage is the common layout of user and operator notices:
// a header, a monospace block of sections, then footer and time.
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

func (m StructuredMessage) RenderMarkdown() string {
	var parts []string
	if header := strings.TrimSpace(m.Icon + " " + strings.TrimSpace(m.Title)); header != "" {
		parts = append(parts, header)
	}
	if body := m.body(); body != "" {
		parts = append(parts, "```\n"+body+"```")
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		parts = append(parts, unfence(footer))
	}
	if !m.Timestamp.IsZero() {
		parts = append(parts, "time: "+m.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return truncate(strings.Join(parts, "\n\n"), maxMessageRunes)
}

func (m StructuredMessage) body() string {
	var blocks []string
	for _, sec := range m.Sections {
		lines := sec.content()
		if len(lines) == 0 {
			continue
		}
		var b strings.Builder
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(unfence(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + line + "\n")
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n")
}

// unfence keeps user text from closing the code block early.
func unfence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
