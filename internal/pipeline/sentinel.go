package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/jsonc"
)

// ErrMalformedVerdict means the Sentinel model answered with something that
// is not a verdict. It is never treated as ALLOWED.
var ErrMalformedVerdict = errors.New("sentinel: malformed verdict")

// LLMSentinel screens requests with a deterministic credential check followed
// by a model call.
type LLMSentinel struct {
	Gen     Generator
	Persona string
	// Retries is the number of extra model calls made when the answer is
	// malformed.
	Retries int
	Logger  *slog.Logger
	// OnVerdict, if set, observes every verdict and its source ("prescreen",
	// "model" or "postscreen").
	OnVerdict func(v Verdict, source string)
}

// Screen returns the verdict for request.
func (s *LLMSentinel) Screen(ctx context.Context, request string) (Verdict, error) {
	logger := s.logger()

	if kind, ok := FindCredential(request); ok {
		v := Verdict{Status: StatusBlocked, Reason: fmt.Sprintf("Secret detected (%s)", kind)}
		logger.Info("sentinel blocked request before model call", "kind", kind)
		s.observe(v, "prescreen")
		return v, nil
	}

	persona := s.Persona
	if persona == "" {
		persona = SentinelPersona
	}

	var lastErr error
	for attempt := 0; attempt <= s.Retries; attempt++ {
		raw, err := s.Gen.Invoke(ctx, persona, request, nil)
		if err != nil {
			return Verdict{}, fmt.Errorf("sentinel: %w", err)
		}
		v, err := ParseVerdict(raw)
		if err != nil {
			lastErr = err
			logger.Warn("sentinel returned malformed verdict", "attempt", attempt+1, "error", err)
			continue
		}
		if v.Allowed() {
			if v.SanitizedInput == "" {
				v.SanitizedInput = strings.TrimSpace(request)
			}
			if kind, ok := FindCredential(v.SanitizedInput); ok {
				v = Verdict{Status: StatusBlocked, Reason: fmt.Sprintf("Secret detected (%s)", kind)}
				s.observe(v, "postscreen")
				return v, nil
			}
		}
		s.observe(v, "model")
		return v, nil
	}
	return Verdict{}, lastErr
}

func (s *LLMSentinel) observe(v Verdict, source string) {
	if s.OnVerdict != nil {
		s.OnVerdict(v, source)
	}
}

func (s *LLMSentinel) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

type wireVerdict struct {
	Status         *string `json:"status"`
	Reason         *string `json:"reason"`
	SanitizedInput *string `json:"sanitized_input"`
}

// ParseVerdict decodes raw model output into a Verdict. Code fences and any
// prose around the JSON object are dropped, comments and trailing commas are
// tolerated, and the status must be ALLOWED or BLOCKED. Anything else wraps
// ErrMalformedVerdict.
func ParseVerdict(raw string) (Verdict, error) {
	body := stripFences(raw)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return Verdict{}, fmt.Errorf("%w: no JSON object in %q", ErrMalformedVerdict, truncate(raw, 120))
	}

	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON([]byte(body[start : end+1]))))
	var w wireVerdict
	if err := dec.Decode(&w); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if w.Status == nil {
		return Verdict{}, fmt.Errorf("%w: missing status", ErrMalformedVerdict)
	}

	v := Verdict{Status: VerdictStatus(strings.ToUpper(strings.TrimSpace(*w.Status)))}
	if w.Reason != nil {
		v.Reason = strings.TrimSpace(*w.Reason)
	}
	switch v.Status {
	case StatusAllowed:
		if w.SanitizedInput != nil {
			v.SanitizedInput = strings.TrimSpace(*w.SanitizedInput)
		}
	case StatusBlocked:
		if v.Reason == "" {
			v.Reason = "Request rejected by policy"
		}
	default:
		return Verdict{}, fmt.Errorf("%w: unknown status %q", ErrMalformedVerdict, *w.Status)
	}
	return v, nil
}

// stripFences removes markdown code fence lines, with or without a
// language tag.
func stripFences(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
