package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/trace"
)

// Replay issues a fixed sequence of actions, one per step.
type Replay struct {
	actions []action.Action
	next    int
}

// NewReplay returns an agent that issues actions in order.
func NewReplay(actions []action.Action) *Replay {
	return &Replay{actions: actions}
}

// LoadReplay reads a JSONL file with one {"name": ..., "args": ...} object
// per line. Blank lines and lines starting with # are skipped.
func LoadReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()

	actions, err := ParseActions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewReplay(actions), nil
}

// ParseActions decodes JSONL actions from r.
func ParseActions(r io.Reader) ([]action.Action, error) {
	var actions []action.Action
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		a, err := ParseAction(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		actions = append(actions, a)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

// ParseAction decodes a single {"name": ..., "args": ...} object.
func ParseAction(text string) (action.Action, error) {
	var a action.Action
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return action.Action{}, err
	}
	if a.Name == "" {
		return action.Action{}, errors.New("missing action name")
	}
	return a, nil
}

func (r *Replay) Next(_ context.Context, _ trace.Snapshot) (action.Action, error) {
	if r.next >= len(r.actions) {
		return action.Action{}, ErrDone
	}
	a := r.actions[r.next]
	r.next++
	return a, nil
}

// Remaining reports how many actions have not been issued yet.
func (r *Replay) Remaining() int {
	return len(r.actions) - r.next
}
