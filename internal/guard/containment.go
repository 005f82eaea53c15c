// Package guard implements the checks that run before any executor call:
// path containment inside the work root and read-only protection.
// Both are exposed as action middleware so they compose into the
// per-action pipeline in a fixed order.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/mlbench/internal/action"
)

// Sentinel errors carried inside the agent-facing *action.EnvError.
var (
	ErrOutsideWorkDir = errors.New("path outside work directory")
	ErrReadOnly       = errors.New("read-only file")
)

// Resolve joins rel onto root and returns the canonical absolute path.
// Symlinked segments are resolved; for paths that do not exist yet the
// nearest existing ancestor is resolved instead. The result must stay under
// the canonical root.
func Resolve(root, rel string) (string, error) {
	canonRoot, err := canonical(root)
	if err != nil {
		return "", fmt.Errorf("resolving work root %s: %w", root, err)
	}

	var joined string
	if filepath.IsAbs(rel) {
		joined = filepath.Clean(rel)
	} else {
		joined = filepath.Join(canonRoot, rel)
	}

	resolved, err := canonical(joined)
	if err != nil {
		return "", outside(rel)
	}
	if !within(canonRoot, resolved) {
		return "", outside(rel)
	}
	return resolved, nil
}

// Rel returns the canonical path of rel relative to root, using forward slashes.
func Rel(root, rel string) (string, error) {
	resolved, err := Resolve(root, rel)
	if err != nil {
		return "", err
	}
	canonRoot, err := canonical(root)
	if err != nil {
		return "", err
	}
	r, err := filepath.Rel(canonRoot, resolved)
	if err != nil {
		return "", outside(rel)
	}
	return filepath.ToSlash(r), nil
}

// Contained rejects the call unless every named argument resolves inside
// the call's work directory.
func Contained(argNames ...string) action.Middleware {
	return func(next action.Handler) action.Handler {
		return func(ctx context.Context, call *action.Call) (string, error) {
			for _, name := range argNames {
				p, err := call.String(name)
				if err != nil {
					return "", err
				}
				if _, err := Resolve(call.WorkDir, p); err != nil {
					return "", err
				}
			}
			return next(ctx, call)
		}
	}
}

func outside(rel string) error {
	return action.NewEnvError(
		fmt.Sprintf("cannot access file %s because it is not in the work directory.", rel),
		ErrOutsideWorkDir,
	)
}

// within reports whether p is root or below it. "/work" must not match "/workevil".
func within(root, p string) bool {
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// canonical makes p absolute and resolves symlinks on its longest existing prefix.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}
