package thread

import (
	"strings"
)

// SubjectMatcher correlates an inbound subject line with a stored thread.
// Only non-terminal threads are eligible.
type SubjectMatcher interface {
	Match(subject string, entries []Entry) (id string, ok bool)
}

var replyPrefixes = []string{"re:", "fwd:", "fw:"}

// NormalizeSubject strips any run of leading reply/forward prefixes and
// surrounding whitespace, and lowercases the rest.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		stripped := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
				break
			}
		}
		if !stripped {
			return strings.ToLower(s)
		}
	}
}

// SubstringMatcher matches when either normalized subject contains the
// other. The first eligible entry in store order wins. Short or generic
// subjects can produce false positives.
type SubstringMatcher struct{}

func (SubstringMatcher) Match(subject string, entries []Entry) (string, bool) {
	q := NormalizeSubject(subject)
	if q == "" {
		return "", false
	}
	for _, e := range entries {
		if e.Record.State.Terminal() {
			continue
		}
		t := NormalizeSubject(e.Record.Title)
		if t == "" {
			continue
		}
		if strings.Contains(t, q) || strings.Contains(q, t) {
			return e.ID, true
		}
	}
	return "", false
}

// IndexedMatcher prefers an exact normalized-subject match and falls back to
// SubstringMatcher.
type IndexedMatcher struct{}

func (IndexedMatcher) Match(subject string, entries []Entry) (string, bool) {
	q := NormalizeSubject(subject)
	if q == "" {
		return "", false
	}
	for _, e := range entries {
		if !e.Record.State.Terminal() && NormalizeSubject(e.Record.Title) == q {
			return e.ID, true
		}
	}
	return SubstringMatcher{}.Match(subject, entries)
}
