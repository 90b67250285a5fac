// Package webhook receives inbound email from an email-to-HTTP bridge and
// posts outbound replies back to it.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"codeberg.org/readeck/go-readability/v2"
	"github.com/google/uuid"

	"github.com/h1v3-io/crafter/internal/connector"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

const maxBodySize = 1 << 20

// Config holds webhook connector configuration.
type Config struct {
	// Endpoints maps endpoint names to their auth settings,
	// e.g. {"mailgun": {Secret: "whsec_abc"}, "relay": {BearerToken: "xyz"}}.
	Endpoints map[string]EndpointConfig `json:"endpoints" yaml:"endpoints"`
}

// EndpointConfig holds per-endpoint webhook configuration.
type EndpointConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Hub-Signature-256
	// header). If empty, Bearer auth is used instead.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
}

// EmailPayload is the JSON body the bridge posts for each inbound email.
type EmailPayload struct {
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text,omitempty"`
	HTML       string    `json:"html,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Handler provides the HTTP handler for inbound email endpoints.
type Handler struct {
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new webhook handler.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  cfg,
		handler: handler,
		logger:  logger,
		now:     time.Now,
	}
}

// ServeHTTP handles inbound email at /api/webhook/{name}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := extractName(r.URL.Path)
	if name == "" {
		http.Error(w, "missing endpoint name in path", http.StatusBadRequest)
		return
	}
	endpoint, ok := h.config.Endpoints[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown webhook endpoint: %s", name), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !authenticate(r, endpoint, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload EmailPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.From) == "" {
		http.Error(w, "from is required", http.StatusBadRequest)
		return
	}

	req, err := h.toRequest(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.handler(r.Context(), req); err != nil {
		h.logger.Error("webhook handler error", "endpoint", name, "message_id", req.MessageID, "error", err)
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("inbound email accepted", "endpoint", name, "message_id", req.MessageID, "from", req.From)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "message_id": req.MessageID})
}

func (h *Handler) toRequest(p EmailPayload) (protocol.Request, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" && strings.TrimSpace(p.HTML) != "" {
		text = HTMLToText(p.HTML)
	}
	if text == "" {
		return protocol.Request{}, fmt.Errorf("email has no text content")
	}

	req := protocol.Request{
		MessageID:  strings.TrimSpace(p.MessageID),
		ThreadID:   strings.TrimSpace(p.ThreadID),
		InReplyTo:  strings.TrimSpace(p.InReplyTo),
		From:       strings.TrimSpace(p.From),
		Subject:    strings.TrimSpace(p.Subject),
		Body:       text,
		ReceivedAt: p.ReceivedAt,
	}
	if req.MessageID == "" {
		req.MessageID = "<" + uuid.NewString() + "@crafter>"
	}
	if req.InReplyTo == "" && len(p.References) > 0 {
		req.InReplyTo = strings.TrimSpace(p.References[len(p.References)-1])
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = h.now()
	}
	return req, nil
}

var (
	reNoise = regexp.MustCompile(`(?is)<(?:style|script|head)[^>]*>.*?</(?:style|script|head)>`)
	reTag   = regexp.MustCompile(`<[^>]*>`)
	reSpace = regexp.MustCompile(`[ \t]+`)
)

// HTMLToText extracts the readable text of an HTML email body. When
// readability finds no content the tags are stripped instead.
func HTMLToText(html string) string {
	base := &url.URL{Scheme: "https", Host: "mail.local"}
	article, err := readability.FromReader(strings.NewReader(html), base)
	if err == nil {
		var buf bytes.Buffer
		if err := article.RenderText(&buf); err == nil {
			if text := strings.TrimSpace(buf.String()); text != "" {
				return text
			}
		}
	}
	text := reTag.ReplaceAllString(reNoise.ReplaceAllString(html, ""), " ")
	return strings.TrimSpace(reSpace.ReplaceAllString(text, " "))
}

func authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}
	if endpoint.BearerToken != "" {
		return r.Header.Get("Authorization") == "Bearer "+endpoint.BearerToken
	}
	// No auth configured, allowed for local development.
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature of the form "sha256=<hex>".
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// extractName gets the last path segment from /api/webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[len(parts)-2] != "webhook" {
		return ""
	}
	return parts[len(parts)-1]
}

// ComputeSignature generates an HMAC-SHA256 signature for body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
