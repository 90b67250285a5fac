package orchestrator

import (
	"slices"
	"strings"
)

var approvalWords = []string{
	"approve", "approved", "lgtm", "yes", "ok", "okay", "go ahead", "ship it", "looks good",
}

// IsApproval reports whether a reply approves the proposed plan: its first
// non-empty line of new text, ignoring case and trailing punctuation, must
// be one of the approval words.
func IsApproval(body string) bool {
	text := ReplyText(body)
	line, _, _ := strings.Cut(text, "\n")
	line = strings.ToLower(strings.TrimSpace(line))
	line = strings.TrimRight(line, ".!,;:)( ")
	return slices.Contains(approvalWords, line)
}

// ReplyText returns the new text of an email reply: quoted lines and the
// quoted original below an "On ... wrote:" attribution are dropped.
func ReplyText(body string) string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, ">") {
			continue
		}
		if isAttribution(t) || t == "-- " || strings.HasPrefix(t, "-----Original Message-----") {
			break
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func isAttribution(line string) bool {
	return strings.HasPrefix(line, "On ") && strings.HasSuffix(line, "wrote:")
}
