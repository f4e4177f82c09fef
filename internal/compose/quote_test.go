package compose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/studyhub/groupchat/internal/model"
)

func TestBuildContent(t *testing.T) {
	assert.Equal(t, "plain", BuildContent("  plain \n", nil))

	got := BuildContent("sure", &model.ReplyInfo{UserName: "Bob", Content: "lunch?"})
	assert.Equal(t, "↩️ @Bob: \"lunch?\"\nsure", got)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", Snippet("a\n b\t\tc"))

	long := strings.Repeat("é", 60)
	got := Snippet(long)
	assert.Equal(t, strings.Repeat("é", 50)+"...", got)
}

func TestParseQuote(t *testing.T) {
	q, body, ok := ParseQuote("↩️ @Maria Cruz: \"see page 4\"\nthanks!")
	assert.True(t, ok)
	assert.Equal(t, Quote{UserName: "Maria Cruz", Snippet: "see page 4"}, q)
	assert.Equal(t, "thanks!", body)

	_, body, ok = ParseQuote("no quote here")
	assert.False(t, ok)
	assert.Equal(t, "no quote here", body)

	_, _, ok = ParseQuote("↩️ @Bob without newline")
	assert.False(t, ok)

	_, _, ok = ParseQuote("↩️ @Bob broken\nbody")
	assert.False(t, ok)
}

func TestBuildThenParseKeepsBody(t *testing.T) {
	content := BuildContent("**Poll** Friday?", &model.ReplyInfo{UserName: "Ann", Content: "when do we meet"})
	assert.Equal(t, "**Poll** Friday?", Body(content))
}
