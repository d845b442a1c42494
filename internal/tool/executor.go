package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tandem-dev/tandem/internal/control"
	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/logging"
)

// DefaultBashTimeout bounds a single shell command.
const DefaultBashTimeout = 2 * time.Minute

// Executor runs built-in tools against a workspace directory.
type Executor struct {
	root        string
	agentID     string
	gate        Gate
	ctrl        *control.Controller
	logger      *logging.Logger
	bashTimeout time.Duration
	onModified  func(ctx context.Context, path string) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithGate sets the permission gate. Defaults to AllowAll.
func WithGate(gate Gate) Option {
	return func(e *Executor) { e.gate = gate }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithBashTimeout overrides the shell command timeout.
func WithBashTimeout(d time.Duration) Option {
	return func(e *Executor) { e.bashTimeout = d }
}

// WithModifiedFunc registers a callback invoked with the workspace-relative
// path of every file a tool modifies, before the mutation commits. The
// scheduler uses this for conflict detection; a returned error cancels
// the tool call and terminates the turn. The callback receives the
// Execute call's context, so a wait inside it (the serialize strategy
// parks here) ends with the call's deadline or cancellation.
func WithModifiedFunc(fn func(ctx context.Context, path string) error) Option {
	return func(e *Executor) { e.onModified = fn }
}

// WithAgentID tags every rollback entry this executor records with the
// owning agent, so a single agent's mutations can be rolled back without
// disturbing the rest of the run.
func WithAgentID(id string) Option {
	return func(e *Executor) { e.agentID = id }
}

// NewExecutor creates an Executor rooted at root. All relative tool paths
// resolve against it. ctrl gates every call; it must not be nil.
func NewExecutor(root string, ctrl *control.Controller, opts ...Option) *Executor {
	e := &Executor{
		root:        root,
		gate:        AllowAll(),
		ctrl:        ctrl,
		logger:      logging.NopLogger(),
		bashTimeout: DefaultBashTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call. The error return is reserved for control
// flow (aborted turn, cancelled context); everything the model should see,
// including denied permissions and bad arguments, comes back as an error
// Result instead.
func (e *Executor) Execute(ctx context.Context, call Call) (Result, error) {
	if err := e.ctrl.WaitIfPaused(); err != nil {
		return Result{}, err
	}
	if err := e.ctrl.WaitForStep(call.Name, call.Arguments); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	allowed, err := e.gate.Allow(ctx, call)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		e.logger.Info("tool call denied", "tool", call.Name)
		return e.errorResult(call, fmt.Errorf("%w: %s", errors.ErrPermissionDenied, call.Name)), nil
	}

	e.logger.Debug("tool call", "tool", call.Name, "args", string(call.Arguments))

	var content string
	switch call.Name {
	case NameReadFile:
		content, err = e.readFile(call.Arguments)
	case NameWriteFile:
		content, err = e.writeFile(ctx, call.Arguments)
	case NameEditFile:
		content, err = e.editFile(ctx, call.Arguments)
	case NameDeleteFile:
		content, err = e.deleteFile(ctx, call.Arguments)
	case NameListDir:
		content, err = e.listDir(call.Arguments)
	case NameBash:
		content, err = e.bash(ctx, call.Arguments)
	default:
		err = fmt.Errorf("unknown tool %q", call.Name)
	}

	if err != nil {
		if errors.Is(err, errors.ErrExecutionAborted) ||
			errors.Is(err, errors.ErrTooManyConflicts) ||
			errors.Is(err, context.Canceled) ||
			ctx.Err() != nil {
			return Result{}, err
		}
		e.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		return e.errorResult(call, err), nil
	}
	return Result{CallID: call.ID, Content: content}, nil
}

func (e *Executor) errorResult(call Call, err error) Result {
	return Result{CallID: call.ID, Content: err.Error(), IsError: true}
}

// resolve joins a tool-supplied path with the workspace root and rejects
// paths that escape it.
func (e *Executor) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.ErrInvalidInput
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(e.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return abs, nil
}

// record captures a pre-image for path, pushes the rollback entry, and
// reports the modification.
func (e *Executor) record(ctx context.Context, actionType control.ActionType, abs string) error {
	action, err := control.NewFileAction(actionType, abs)
	if err != nil {
		return err
	}
	action.AgentID = e.agentID
	e.ctrl.RecordAction(action)
	if e.onModified != nil {
		rel, err := filepath.Rel(e.root, abs)
		if err != nil {
			rel = abs
		}
		if err := e.onModified(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

type pathArgs struct {
	Path string `json:"path"`
}

func (e *Executor) readFile(raw json.RawMessage) (string, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("read_file arguments: %w", err)
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Executor) writeFile(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("write_file arguments: %w", err)
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := e.record(ctx, control.ActionFileWrite, abs); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}

func (e *Executor) editFile(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Path      string `json:"path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("edit_file arguments: %w", err)
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	if !strings.Contains(string(data), args.OldString) {
		return "", fmt.Errorf("old_string not found in %s", args.Path)
	}
	if err := e.record(ctx, control.ActionFileEdit, abs); err != nil {
		return "", err
	}
	updated := strings.Replace(string(data), args.OldString, args.NewString, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("edited %s", args.Path), nil
}

func (e *Executor) deleteFile(ctx context.Context, raw json.RawMessage) (string, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("delete_file arguments: %w", err)
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	if err := e.record(ctx, control.ActionFileDelete, abs); err != nil {
		return "", err
	}
	if err := os.Remove(abs); err != nil {
		return "", err
	}
	return fmt.Sprintf("deleted %s", args.Path), nil
}

func (e *Executor) listDir(raw json.RawMessage) (string, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("list_dir arguments: %w", err)
	}
	if args.Path == "" {
		args.Path = "."
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (e *Executor) bash(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("bash arguments: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", fmt.Errorf("bash: %w: empty command", errors.ErrInvalidInput)
	}

	// Recorded for the audit trail only; shell commands cannot be rolled
	// back and abort-with-rollback reports them as skipped.
	action := control.NewBashAction(args.Command)
	action.AgentID = e.agentID
	e.ctrl.RecordAction(action)

	runCtx, cancel := context.WithTimeout(ctx, e.bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", args.Command)
	cmd.Dir = e.root
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("bash: %w after %s", errors.ErrTimeout, e.bashTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("bash: %v\n%s", err, out)
	}
	return string(out), nil
}
