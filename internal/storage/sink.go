package storage

import (
	"context"
	"fmt"

	"github.com/jkaninda/mlbench/internal/trace"
)

// Sink persists trace events into a TraceStore.
type Sink struct {
	store TraceStore
}

// NewSink returns a trace.Sink writing to store.
func NewSink(store TraceStore) *Sink {
	return &Sink{store: store}
}

// Publish stores the event's step under its run.
func (s *Sink) Publish(ctx context.Context, ev trace.Event) error {
	if err := s.store.AppendStep(ctx, ev.RunID, ev.Kind, ev.Index, ev.Step); err != nil {
		return fmt.Errorf("persisting %s %d: %w", ev.Kind, ev.Index, err)
	}
	return nil
}
