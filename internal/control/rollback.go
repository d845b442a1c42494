package control

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/event"
)

// ActionType classifies a recorded mutation for rollback purposes.
type ActionType string

const (
	ActionFileWrite   ActionType = "file_write"
	ActionFileEdit    ActionType = "file_edit"
	ActionFileDelete  ActionType = "file_delete"
	ActionBashCommand ActionType = "bash_command"
)

// PreImage is the state of a file captured before a mutation. For a file
// that did not exist, Existed is false and Content is nil.
type PreImage struct {
	FilePath string
	Existed  bool
	Content  []byte
	Mode     os.FileMode
}

// RollbackAction is one entry on the rollback stack. File actions carry
// the pre-image needed to invert them; bash commands carry only the
// command line for the audit trail and cannot be inverted. AgentID tags
// the agent that recorded the entry, so one agent's mutations can be
// reverted without draining the whole stack.
type RollbackAction struct {
	ID        string
	AgentID   string
	Type      ActionType
	PreImage  PreImage
	Command   string
	Timestamp time.Time
}

// CapturePreImage reads the current state of path so a later rollback can
// restore it. A missing file is a valid pre-image (rollback removes the
// file). Read failures on an existing file are returned so the caller can
// refuse the mutation rather than record an unrecoverable entry.
func CapturePreImage(path string) (PreImage, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return PreImage{FilePath: path, Existed: false}, nil
	}
	if err != nil {
		return PreImage{}, errors.NewControlError(fmt.Sprintf("capture pre-image of %s", path), err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return PreImage{}, errors.NewControlError(fmt.Sprintf("capture pre-image of %s", path), err)
	}
	return PreImage{
		FilePath: path,
		Existed:  true,
		Content:  content,
		Mode:     info.Mode(),
	}, nil
}

// NewFileAction builds a rollback entry for a file mutation of the given
// type, capturing the pre-image of path first.
func NewFileAction(actionType ActionType, path string) (RollbackAction, error) {
	pre, err := CapturePreImage(path)
	if err != nil {
		return RollbackAction{}, err
	}
	return RollbackAction{
		ID:        uuid.NewString(),
		Type:      actionType,
		PreImage:  pre,
		Timestamp: time.Now(),
	}, nil
}

// NewBashAction builds an audit-only rollback entry for a shell command.
func NewBashAction(command string) RollbackAction {
	return RollbackAction{
		ID:        uuid.NewString(),
		Type:      ActionBashCommand,
		Command:   command,
		Timestamp: time.Now(),
	}
}

// Reversible reports whether applying the inverse of this action is
// possible at all.
func (a RollbackAction) Reversible() bool {
	return a.Type != ActionBashCommand
}

// apply restores the pre-image recorded for this action.
func (a RollbackAction) apply() error {
	switch a.Type {
	case ActionFileWrite, ActionFileEdit, ActionFileDelete:
		return restorePreImage(a.PreImage)
	case ActionBashCommand:
		return errors.NewControlError(fmt.Sprintf("bash command %q", a.Command), errors.ErrNotReversible).WithActionID(a.ID)
	default:
		return errors.NewControlError(fmt.Sprintf("unknown action type %q", a.Type), nil).WithActionID(a.ID)
	}
}

// restorePreImage puts the file back to its captured state. A pre-image
// of a nonexistent file removes whatever now sits at the path.
func restorePreImage(pre PreImage) error {
	if !pre.Existed {
		if err := os.Remove(pre.FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", pre.FilePath, err)
		}
		return nil
	}

	mode := pre.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(pre.FilePath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", pre.FilePath, err)
	}

	// Write-then-rename so a crash mid-restore never leaves a torn file.
	tmp := pre.FilePath + ".rollback.tmp"
	if err := os.WriteFile(tmp, pre.Content, mode); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, pre.FilePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// drainRollback applies the inverse of every recorded action in LIFO
// order. A failing action is logged and reported but does not stop the
// drain; later (older) actions still get their chance to revert.
func (c *Controller) drainRollback(actions []RollbackAction) {
	applied, failed, skipped := 0, 0, 0

	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]

		if !action.Reversible() {
			skipped++
			c.logger.Info("rollback skipped irreversible action",
				"action_id", action.ID,
				"type", string(action.Type),
				"command", action.Command)
			continue
		}

		err := action.apply()
		if err != nil {
			failed++
			c.logger.Error("rollback action failed",
				"action_id", action.ID,
				"type", string(action.Type),
				"path", action.PreImage.FilePath,
				"error", err)
		} else {
			applied++
			c.logger.Info("rollback action applied",
				"action_id", action.ID,
				"type", string(action.Type),
				"path", action.PreImage.FilePath)
		}

		c.publish(event.NewRollbackEvent(action.ID, string(action.Type), action.PreImage.FilePath, err == nil))
		if c.callbacks.OnRollback != nil {
			c.callbacks.OnRollback(action, err)
		}
	}

	c.logger.Info("rollback complete",
		"applied", applied,
		"failed", failed,
		"skipped", skipped)
	if c.callbacks.OnRollbackDone != nil {
		c.callbacks.OnRollbackDone(applied, failed)
	}
}
