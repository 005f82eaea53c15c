package trace

import (
	"context"

	"github.com/jkaninda/mlbench/internal/action"
)

// Record appends a low-level step for every call that reaches the handler.
// Only the declared usage keys are recorded. When the handler fails, the
// error message becomes the recorded observation and the error is returned
// unchanged.
func Record(name string, usageKeys []string) action.Middleware {
	return func(next action.Handler) action.Handler {
		return func(ctx context.Context, call *action.Call) (string, error) {
			obs, err := next(ctx, call)
			recorded := obs
			if err != nil {
				recorded = err.Error()
			}
			call.Record(action.Action{Name: name, Args: selectArgs(call.Args, usageKeys)}, recorded)
			return obs, err
		}
	}
}

func selectArgs(args map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := args[k]; ok {
			out[k] = v
		}
	}
	return out
}
