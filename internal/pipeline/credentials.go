package pipeline

import "regexp"

type credentialPattern struct {
	kind string
	re   *regexp.Regexp
}

// credentialPatterns are checked before and after the Sentinel model call.
var credentialPatterns = []credentialPattern{
	{"api key (sk-)", regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`)},
	{"github token", regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})`)},
	{"aws access key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"aws secret", regexp.MustCompile(`(?i)\baws_secret\w*`)},
	{"slack token", regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9\-]{10,}`)},
	{"private key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"password", regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret)\s*[:=]\s*\S{4,}`)},
}

// FindCredential reports the first credential-shaped substring in text.
func FindCredential(text string) (kind string, found bool) {
	for _, p := range credentialPatterns {
		if p.re.MatchString(text) {
			return p.kind, true
		}
	}
	return "", false
}
