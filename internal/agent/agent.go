// Package agent runs one pipeline stage against a provider: a persona and a
// prompt go in, the model may call tools any number of times, and the final
// text comes out.
package agent

import (
	"log/slog"
	"time"

	"github.com/h1v3-io/crafter/internal/provider"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

const defaultMaxIterations = 20

// Runner invokes a provider on behalf of one stage.
type Runner struct {
	Spec          protocol.StageSpec
	Provider      provider.Provider
	Logger        *slog.Logger
	MaxIterations int
	Temperature   float64
	// OnEvent, if set, receives every text, tool call and tool result the
	// invocation produces, in order.
	OnEvent func(protocol.StageEvent)
	// Now stamps the system prompt. Defaults to time.Now.
	Now func() time.Time
}

// NewRunner creates a Runner with sensible defaults.
func NewRunner(spec protocol.StageSpec, prov provider.Provider) *Runner {
	return &Runner{
		Spec:          spec,
		Provider:      prov,
		Logger:        slog.Default(),
		MaxIterations: defaultMaxIterations,
		Now:           time.Now,
	}
}

func (r *Runner) emit(ev protocol.StageEvent) {
	if r.OnEvent == nil {
		return
	}
	ev.Stage = r.Spec.Stage
	r.OnEvent(ev)
}
