// Package directive implements the control-tag protocol embedded in model
// replies. Tags are literal bracketed markers ([voice], [openLeadForm], ...)
// that may appear anywhere in the text, matched case-insensitively, and are
// stripped before the reply text is shown to the user.
package directive

import "strings"

type Directive string

const (
	OpenLeadForm Directive = "openLeadForm"
	Voice        Directive = "voice"
	// Recognized but currently inert.
	Quiz        Directive = "quiz"
	ShowOptions Directive = "showOptions"
)

var All = []Directive{OpenLeadForm, Voice, Quiz, ShowOptions}

func (d Directive) Marker() string {
	return "[" + string(d) + "]"
}

type Result struct {
	PlainText  string
	Directives map[Directive]bool
}

func (r Result) Has(d Directive) bool {
	return r.Directives[d]
}

// Parse scans raw model output for known tags, strips every occurrence of
// each matched marker, and returns the trimmed plain text together with the
// set of directives found. Parsing already-stripped text is a no-op.
func Parse(raw string) Result {
	res := Result{Directives: make(map[Directive]bool)}
	text := raw
	for _, d := range All {
		stripped, found := stripMarker(text, d.Marker())
		if found {
			res.Directives[d] = true
			text = stripped
		}
	}
	res.PlainText = strings.TrimSpace(collapseSpaces(text))
	return res
}

// StripMarker removes every occurrence of the directive's marker,
// case-insensitively, without touching other tags.
func StripMarker(text string, d Directive) string {
	out, _ := stripMarker(text, d.Marker())
	return out
}

func stripMarker(text, marker string) (string, bool) {
	// Markers are ASCII, so a case-insensitive match is always the same byte
	// length as the marker itself.
	var b strings.Builder
	found := false
	for i := 0; i < len(text); {
		if i+len(marker) <= len(text) && strings.EqualFold(text[i:i+len(marker)], marker) {
			found = true
			i += len(marker)
			continue
		}
		b.WriteByte(text[i])
		i++
	}
	if !found {
		return text, false
	}
	return b.String(), true
}

// collapseSpaces folds runs of spaces left behind by in-line marker removal
// ("Hi [voice] there" -> "Hi  there") into a single space. Newlines are kept.
func collapseSpaces(s string) string {
	if !strings.Contains(s, "  ") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == ' ' {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		b.WriteByte(ch)
	}
	return b.String()
}
