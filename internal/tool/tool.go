// Package tool executes the built-in tools an agent can invoke during a
// turn. Every invocation passes through the execution controller first
// (pause and step gates) and through a permission gate second; only then
// does the tool run. Mutating tools record rollback pre-images before
// touching the filesystem.
package tool

import (
	"context"
	"encoding/json"
)

// Tool names understood by the local executor.
const (
	NameReadFile   = "read_file"
	NameWriteFile  = "write_file"
	NameEditFile   = "edit_file"
	NameDeleteFile = "delete_file"
	NameListDir    = "list_dir"
	NameBash       = "bash"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is what flows back to the model as the tool role message.
// IsError marks tool-level failures (bad path, denied permission); these
// are reported to the model, not raised to the agent loop.
type Result struct {
	CallID  string
	Content string
	IsError bool
}

// Gate decides whether a tool call may run. Implementations may consult
// static policy or prompt the user interactively. A false verdict is a
// tool error visible to the model; it never aborts the turn.
type Gate interface {
	Allow(ctx context.Context, call Call) (bool, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, call Call) (bool, error)

// Allow implements Gate.
func (f GateFunc) Allow(ctx context.Context, call Call) (bool, error) {
	return f(ctx, call)
}

// AllowAll returns a gate that approves every call.
func AllowAll() Gate {
	return GateFunc(func(context.Context, Call) (bool, error) {
		return true, nil
	})
}

// Mutating reports whether the named tool changes filesystem state and
// therefore needs a rollback entry.
func Mutating(name string) bool {
	switch name {
	case NameWriteFile, NameEditFile, NameDeleteFile, NameBash:
		return true
	default:
		return false
	}
}
