// Package provider implements the text-generation capability behind every
// pipeline stage.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// Provider is the abstraction over LLM APIs.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	Name() string
}

// APIError is a non-200 answer from a provider endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Body)
}

// Retryable reports whether the call may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsRetryable reports whether err is an APIError worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// Set holds the configured providers by name.
type Set struct {
	providers map[string]Provider
	fallback  string
}

// NewSet returns a Set whose Lookup("") resolves to fallback.
func NewSet(fallback string) *Set {
	return &Set{providers: make(map[string]Provider), fallback: fallback}
}

// Add registers p under name.
func (s *Set) Add(name string, p Provider) {
	s.providers[name] = p
}

// Lookup returns the provider registered as name, or the fallback provider
// when name is empty.
func (s *Set) Lookup(name string) (Provider, error) {
	if name == "" {
		name = s.fallback
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.providers))
	for n := range s.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
