package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/h1v3-io/crafter/internal/reply"
)

// Poster delivers replies by POSTing them as JSON to the bridge's send URL.
// It implements reply.Sender.
type Poster struct {
	URL    string
	Token  string // sent as a Bearer token when set
	Secret string // signs the body like inbound webhooks when set
	Client *http.Client
}

// NewPoster creates a Poster with a 30s client timeout.
func NewPoster(url, token, secret string) *Poster {
	return &Poster{URL: url, Token: token, Secret: secret, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *Poster) Send(ctx context.Context, msg reply.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	if p.Secret != "" {
		req.Header.Set("X-Hub-Signature-256", ComputeSignature(body, p.Secret))
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post reply: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
