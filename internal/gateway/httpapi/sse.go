package httpapi

import (
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/mlbench/internal/trace"
)

// SSEEvent is the payload of each server-sent trace event.
type SSEEvent struct {
	Index int        `json:"index"`
	Step  trace.Step `json:"step"`
	Total int        `json:"total,omitempty"` // Set on the "done" event.
}

// handleTraceEvents handles GET /v1/trace/events.
// Streams the current snapshot as "low_level" and "step" events followed by
// "done". Use the WebSocket stream for live updates.
func (g *Gateway) handleTraceEvents(c *okapi.Context) error {
	snap := g.run.Snapshot()

	for i, st := range snap.LowLevelSteps {
		c.SSEvent(string(trace.KindLowLevel), SSEEvent{Index: i, Step: st})
	}
	for i, st := range snap.Steps {
		c.SSEvent(string(trace.KindStep), SSEEvent{Index: i, Step: st})
	}
	c.SSEvent("done", SSEEvent{Index: -1, Total: len(snap.Steps)})
	return nil
}
