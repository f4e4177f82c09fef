package mention

import (
	"html"
	"sort"
	"strings"
	"unicode"

	"github.com/studyhub/groupchat/internal/model"
)

// Segment is one run of rendered message text.
type Segment struct {
	Text    string `json:"text"`
	Mention bool   `json:"mention,omitempty"`
	// Name is the mentioned name without the '@'.
	Name string `json:"name,omitempty"`
	// UserID is set only when Name resolved to a known member.
	UserID string `json:"user_id,omitempty"`
}

// Format splits content into text and mention segments.
//
// Known member names are matched first, longest name wins, so
// "@Maria Cruz said hi" yields a "Maria Cruz" mention when she is a
// member. Otherwise a mention is the greedy run of letters joined by
// single spaces, which cannot tell adjacent names apart.
func Format(content string, users []model.MentionUser) []Segment {
	known := sortedByLength(users)
	runes := []rune(content)

	var segs []Segment
	var text []rune
	flush := func() {
		if len(text) > 0 {
			segs = append(segs, Segment{Text: string(text)})
			text = nil
		}
	}

	for i := 0; i < len(runes); {
		if !mentionStart(runes, i) {
			text = append(text, runes[i])
			i++
			continue
		}

		rest := runes[i+1:]
		var seg Segment
		if u, n, ok := matchKnown(rest, known); ok {
			seg = Segment{Text: "@" + string(rest[:n]), Mention: true, Name: string(rest[:n]), UserID: u.ID}
			i += 1 + n
		} else {
			n := greedyName(rest)
			name := string(rest[:n])
			seg = Segment{Text: "@" + name, Mention: true, Name: name}
			if u, ok := lookup(name, known); ok {
				seg.UserID = u.ID
			}
			i += 1 + n
		}

		flush()
		segs = append(segs, seg)
	}
	flush()

	return segs
}

// Extract returns the raw names of every mention in content.
func Extract(content string) []string {
	var names []string
	for _, seg := range Format(content, nil) {
		if seg.Mention {
			names = append(names, seg.Name)
		}
	}
	return names
}

// RenderHTML renders segments as escaped HTML with mentions wrapped in
// highlight spans. Only resolved mentions carry a data-user-id.
func RenderHTML(segs []Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		switch {
		case !seg.Mention:
			b.WriteString(html.EscapeString(seg.Text))
		case seg.UserID != "":
			b.WriteString(`<span class="mention" data-user-id="`)
			b.WriteString(html.EscapeString(seg.UserID))
			b.WriteString(`">`)
			b.WriteString(html.EscapeString(seg.Text))
			b.WriteString(`</span>`)
		default:
			b.WriteString(`<span class="mention">`)
			b.WriteString(html.EscapeString(seg.Text))
			b.WriteString(`</span>`)
		}
	}
	return b.String()
}

func mentionStart(runes []rune, i int) bool {
	if runes[i] != '@' || i+1 >= len(runes) || !unicode.IsLetter(runes[i+1]) {
		return false
	}
	if i == 0 {
		return true
	}
	prev := runes[i-1]
	return !unicode.IsLetter(prev) && !unicode.IsDigit(prev)
}

func greedyName(rest []rune) int {
	n := 0
	for n < len(rest) && unicode.IsLetter(rest[n]) {
		n++
	}
	for n+1 < len(rest) && rest[n] == ' ' && unicode.IsLetter(rest[n+1]) {
		n++
		for n < len(rest) && unicode.IsLetter(rest[n]) {
			n++
		}
	}
	return n
}

func matchKnown(rest []rune, known []model.MentionUser) (model.MentionUser, int, bool) {
	for _, u := range known {
		name := []rune(u.Name)
		if len(name) > len(rest) {
			continue
		}
		if !strings.EqualFold(string(rest[:len(name)]), u.Name) {
			continue
		}
		if len(name) < len(rest) && unicode.IsLetter(rest[len(name)]) {
			continue
		}
		return u, len(name), true
	}
	return model.MentionUser{}, 0, false
}

func lookup(name string, known []model.MentionUser) (model.MentionUser, bool) {
	for _, u := range known {
		if strings.EqualFold(u.Name, name) {
			return u, true
		}
	}
	return model.MentionUser{}, false
}

func sortedByLength(users []model.MentionUser) []model.MentionUser {
	out := make([]model.MentionUser, 0, len(users))
	for _, u := range users {
		if strings.TrimSpace(u.Name) != "" {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len([]rune(out[i].Name)) > len([]rune(out[j].Name))
	})
	return out
}
