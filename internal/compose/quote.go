package compose

import (
	"fmt"
	"strings"

	"github.com/studyhub/groupchat/internal/model"
)

const (
	quotePrefix = "↩️ @"
	snippetLen  = 50
)

// BuildContent prefixes draft with a reply quote when reply is set.
// Tool markers in draft are left untouched.
func BuildContent(draft string, reply *model.ReplyInfo) string {
	draft = strings.TrimSpace(draft)
	if reply == nil {
		return draft
	}
	return fmt.Sprintf("%s%s: \"%s\"\n%s", quotePrefix, reply.UserName, Snippet(reply.Content), draft)
}

// Snippet flattens s onto one line and shortens it to the quote length.
func Snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= snippetLen {
		return s
	}
	return string(r[:snippetLen]) + "..."
}

// Quote is a parsed reply prefix.
type Quote struct {
	UserName string `json:"user_name"`
	Snippet  string `json:"snippet"`
}

// ParseQuote splits content into its reply quote and body. ok is false
// when content does not start with a reply quote.
func ParseQuote(content string) (q Quote, body string, ok bool) {
	if !strings.HasPrefix(content, quotePrefix) {
		return Quote{}, content, false
	}
	header, rest, found := strings.Cut(content, "\n")
	if !found {
		return Quote{}, content, false
	}

	header = strings.TrimPrefix(header, quotePrefix)
	name, snippet, found := strings.Cut(header, ": \"")
	if !found || !strings.HasSuffix(snippet, "\"") {
		return Quote{}, content, false
	}

	return Quote{
		UserName: name,
		Snippet:  strings.TrimSuffix(snippet, "\""),
	}, rest, true
}

// Body returns content without any reply quote.
func Body(content string) string {
	_, body, _ := ParseQuote(content)
	return body
}
