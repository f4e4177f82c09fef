// Package mention detects, autocompletes and renders @mentions.
//
// All cursor positions are rune offsets into the input text.
package mention

// State is the autocomplete state derived from the input and cursor.
type State struct {
	IsOpen bool   `json:"is_open"`
	Query  string `json:"query"`
	// Start is the rune offset of the '@' that opened the mention.
	Start int `json:"start"`
	// End is the rune offset of the cursor that closed the query span.
	End int `json:"end"`
}

// Detect reports whether a mention is being typed at cursor.
//
// It scans backward for the nearest '@'. The mention is valid only when
// the '@' sits at the start of the text or right after a space or newline,
// and no space or newline appears between it and the cursor.
func Detect(text string, cursor int) State {
	runes := []rune(text)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}

	at := -1
	for i := cursor - 1; i >= 0; i-- {
		if runes[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return State{}
	}
	if at > 0 && !isBreak(runes[at-1]) {
		return State{}
	}

	query := runes[at+1 : cursor]
	for _, r := range query {
		if isBreak(r) {
			return State{}
		}
	}

	return State{
		IsOpen: true,
		Query:  string(query),
		Start:  at,
		End:    cursor,
	}
}

func isBreak(r rune) bool {
	return r == ' ' || r == '\n'
}
