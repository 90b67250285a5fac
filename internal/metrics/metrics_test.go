package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage(protocol.StageCoder, time.Second, nil)
	m.Transition(protocol.StateNew, protocol.StateSanitizing)
	m.Verdict("ALLOWED", "model")
	m.StageEvent(protocol.StageEvent{Kind: protocol.EventToolResult})
	m.SetThreadCounts(nil)
	m.SetQueueDepth(3)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestHandlerExposesInstruments(t *testing.T) {
	m := New()
	m.ObserveStage(protocol.StagePlanner, 2*time.Second, nil)
	m.ObserveStage(protocol.StagePlanner, time.Second, errors.New("boom"))
	m.Transition(protocol.StateReview, protocol.StateCompleted)
	m.Verdict("BLOCKED", "prescreen")
	m.StageEvent(protocol.StageEvent{
		Kind:  protocol.EventToolResult,
		Stage: protocol.StageCoder,
		Call:  &protocol.ToolCall{Name: "write_file"},
	})
	m.SetThreadCounts(map[protocol.State]int{protocol.StateCoding: 2})
	m.SetQueueDepth(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`crafter_stage_runs_total{outcome="ok",stage="planner"} 1`,
		`crafter_stage_runs_total{outcome="error",stage="planner"} 1`,
		`crafter_transitions_total{from="REVIEW",to="COMPLETED"} 1`,
		`crafter_sentinel_verdicts_total{source="prescreen",status="BLOCKED"} 1`,
		`crafter_tool_calls_total{outcome="ok",stage="coder",tool="write_file"} 1`,
		`crafter_threads{state="CODING"} 2`,
		`crafter_queue_depth 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
