// Package action defines the vocabulary shared by the dispatcher, the guards
// and the executor: actions, the capability table that maps an action name to
// its schema and handler, the handler call context, and the error taxonomy
// used to turn failures into observations.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FinalAnswer is the terminal action name. Recording it moves the
// environment to its final state.
const FinalAnswer = "Final Answer"

// Action is a named, argument-bearing request issued by an agent.
// Args is well formed only when it holds a JSON-style object
// (map[string]any); anything else is reported back with the usage schema.
type Action struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

// ArgsMap returns the arguments as an object, or false when Args is not one.
func (a Action) ArgsMap() (map[string]any, bool) {
	m, ok := a.Args.(map[string]any)
	return m, ok
}

// Clone returns a deep copy so snapshots never alias the caller's maps.
func (a Action) Clone() Action {
	return Action{Name: a.Name, Args: cloneValue(a.Args)}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Param is one entry of an action's usage schema.
type Param struct {
	Name        string
	Description string
}

// Usage is the ordered parameter schema of an action.
type Usage []Param

// Keys returns the parameter names in declaration order.
func (u Usage) Keys() []string {
	keys := make([]string, len(u))
	for i, p := range u {
		keys[i] = p.Name
	}
	return keys
}

// Has reports whether name is a declared parameter.
func (u Usage) Has(name string) bool {
	for _, p := range u {
		if p.Name == name {
			return true
		}
	}
	return false
}

// MarshalJSON renders the schema as a JSON object that keeps declaration order.
func (u Usage) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range u {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Description)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Block renders the schema the way it is shown to agents:
//
//	{
//	            name: [description],
//	            ...
//	}
func (u Usage) Block() string {
	entries := make([]string, len(u))
	for i, p := range u {
		entries[i] = fmt.Sprintf("%s: [%s]", p.Name, p.Description)
	}
	return "{\n            " + strings.Join(entries, ",\n            ") + "\n}"
}

// Handler implements one action. It returns the observation shown to the agent.
type Handler func(ctx context.Context, call *Call) (string, error)

// Middleware wraps a handler with a guard or a side effect.
type Middleware func(next Handler) Handler

// Chain wraps h so that mws[0] runs first.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// ReadOnlyChecker answers whether a work-root relative path is protected.
type ReadOnlyChecker interface {
	IsReadOnly(rel string) bool
}

// StepRecorder receives every low-level operation a handler performs.
type StepRecorder interface {
	RecordLowLevel(a Action, observation string)
}

// Call carries the declared arguments of one invocation plus the fixed
// contextual parameters every handler receives.
type Call struct {
	Action          string
	Args            map[string]any
	Step            int
	WorkDir         string
	Device          int
	Python          string
	ReadOnly        ReadOnlyChecker
	ResearchProblem string
	LogFile         string
	Trace           StepRecorder
}

// String returns a required string argument.
func (c *Call) String(key string) (string, error) {
	v, ok := c.Args[key]
	if !ok {
		return "", &ArgumentError{Param: key, Reason: "missing required parameter"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ArgumentError{Param: key, Reason: fmt.Sprintf("must be a string, got %T", v)}
	}
	return s, nil
}

// IsReadOnly is nil-safe.
func (c *Call) IsReadOnly(rel string) bool {
	if c.ReadOnly == nil {
		return false
	}
	return c.ReadOnly.IsReadOnly(rel)
}

// Record forwards a low-level step to the trace, if one is attached.
func (c *Call) Record(a Action, observation string) {
	if c.Trace == nil {
		return
	}
	c.Trace.RecordLowLevel(a, observation)
}

// Derive returns a copy of the call bound to another action, used when a
// composite action issues low-level operations of its own.
func (c *Call) Derive(name string, args map[string]any) *Call {
	cp := *c
	cp.Action = name
	cp.Args = args
	return &cp
}
