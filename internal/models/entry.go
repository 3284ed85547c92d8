package models

import (
	"html/template"
	"strings"
)

// Speaker identifies who authored a conversation entry.
type Speaker string

const (
	// SpeakerUser marks an entry typed by the user.
	SpeakerUser Speaker = "user"
	// SpeakerBot marks an entry produced from the answer service's response.
	SpeakerBot Speaker = "bot"
)

// LineBreak is the marker stored in entry text wherever the answer contained a newline. It is turned
// back into a <br> element at render time, never interpolated as raw markup.
const LineBreak = "<br />"

// fragmentSeparator is the sequence the generated answer is split on.
const fragmentSeparator = ". "

// Entry represents a single bubble in a conversation. Entries are appended in order and never
// modified afterwards.
type Entry struct {
	Speaker Speaker
	Text    string
}

// UserEntry returns the entry for a prompt the user submitted.
func UserEntry(prompt string) Entry {
	return Entry{Speaker: SpeakerUser, Text: prompt}
}

// Fragments converts a generated answer into the bot entries revealed one by one. Newlines are
// replaced with LineBreak, the text is split on ". " and every fragment is terminated with a single
// period unless it already ends with terminal punctuation. Line breaks at either end of a fragment
// are dropped along with blank fragments, so an empty answer yields no entries.
func Fragments(generated string) []Entry {
	text := strings.ReplaceAll(generated, "\n", LineBreak)

	var entries []Entry
	for _, part := range strings.Split(text, fragmentSeparator) {
		part = trimBreaks(part)
		if part == "" {
			continue
		}
		if !strings.HasSuffix(part, ".") && !strings.HasSuffix(part, "!") && !strings.HasSuffix(part, "?") {
			part += "."
		}
		entries = append(entries, Entry{Speaker: SpeakerBot, Text: part})
	}
	return entries
}

// trimBreaks strips whitespace and LineBreak markers from both ends of s, so punctuation is checked
// against the last visible character.
func trimBreaks(s string) string {
	for {
		t := strings.TrimSpace(s)
		t = strings.TrimPrefix(t, LineBreak)
		t = strings.TrimSuffix(t, LineBreak)
		if t == s {
			return t
		}
		s = t
	}
}

// RenderText escapes text for inclusion in an HTML page. Segments between LineBreak markers are
// escaped individually and joined with <br> elements, so the only markup in the output is the
// line breaks themselves.
func RenderText(text string) template.HTML {
	segments := strings.Split(text, LineBreak)

	var sb strings.Builder
	for i, seg := range segments {
		if i > 0 {
			sb.WriteString("<br>")
		}
		sb.WriteString(template.HTMLEscapeString(seg))
	}
	// Every segment above is escaped.
	return template.HTML(sb.String())
}
