package control

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tandem-dev/tandem/internal/errors"
)

// waitUntil polls cond until it returns true or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestPauseBlocksUntilResume(t *testing.T) {
	c := NewController()
	c.Pause()

	if got := c.State(); got != StatePaused {
		t.Fatalf("state = %s, want %s", got, StatePaused)
	}

	released := make(chan error, 1)
	go func() {
		released <- c.WaitIfPaused()
	}()

	select {
	case <-released:
		t.Fatal("WaitIfPaused returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Resume()

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("WaitIfPaused returned error after resume: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIfPaused did not return after resume")
	}

	if got := c.State(); got != StateRunning {
		t.Fatalf("state after resume = %s, want %s", got, StateRunning)
	}
}

func TestPauseIdempotent(t *testing.T) {
	var pauses int
	c := NewController(WithCallbacks(Callbacks{
		OnPause: func() { pauses++ },
	}))

	c.Pause()
	c.Pause()
	c.Pause()

	if pauses != 1 {
		t.Fatalf("OnPause fired %d times, want 1", pauses)
	}
}

func TestResumeWithoutPauseIsNoop(t *testing.T) {
	var resumes int
	c := NewController(WithCallbacks(Callbacks{
		OnResume: func() { resumes++ },
	}))

	c.Resume()

	if resumes != 0 {
		t.Fatalf("OnResume fired %d times, want 0", resumes)
	}
	if got := c.State(); got != StateRunning {
		t.Fatalf("state = %s, want %s", got, StateRunning)
	}
}

func TestResumeRestoresSteppingWhenStepModeOn(t *testing.T) {
	c := NewController()
	c.SetStepMode(true)
	c.Pause()
	c.Resume()

	if got := c.State(); got != StateStepping {
		t.Fatalf("state = %s, want %s", got, StateStepping)
	}
}

func TestWaitForStepNoopWhenStepModeOff(t *testing.T) {
	c := NewController()
	if err := c.WaitForStep("read_file", nil); err != nil {
		t.Fatalf("WaitForStep returned %v, want nil", err)
	}
}

func TestStepReleasesExactlyOneWaiter(t *testing.T) {
	c := NewController()
	c.SetStepMode(true)

	var mu sync.Mutex
	releasedCount := 0
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			if err := c.WaitForStep("write_file", json.RawMessage(`{"path":"a.go"}`)); err == nil {
				mu.Lock()
				releasedCount++
				mu.Unlock()
			}
			done <- struct{}{}
		}()
	}

	waitUntil(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.stepWaiters == 2
	}, "both waiters blocked")

	c.Step()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no waiter released after Step")
	}

	select {
	case <-done:
		t.Fatal("Step released more than one waiter")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	if releasedCount != 1 {
		mu.Unlock()
		t.Fatalf("released %d waiters, want 1", releasedCount)
	}
	mu.Unlock()

	c.Step()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter not released by second Step")
	}
}

func TestStepWithoutWaiterIsNoop(t *testing.T) {
	c := NewController()
	c.SetStepMode(true)

	c.Step()

	// A ticket must not be banked for a waiter that arrives later.
	released := make(chan error, 1)
	go func() {
		released <- c.WaitForStep("bash", nil)
	}()

	select {
	case <-released:
		t.Fatal("waiter consumed a ticket from an earlier no-op Step")
	case <-time.After(50 * time.Millisecond):
	}

	c.Step()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("WaitForStep returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestDisablingStepModeReleasesWaiters(t *testing.T) {
	c := NewController()
	c.SetStepMode(true)

	released := make(chan error, 1)
	go func() {
		released <- c.WaitForStep("edit_file", nil)
	}()

	waitUntil(t, c.IsWaitingForStep, "waiter blocked at step gate")

	c.SetStepMode(false)

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("WaitForStep returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released when step mode disabled")
	}
	if got := c.State(); got != StateRunning {
		t.Fatalf("state = %s, want %s", got, StateRunning)
	}
}

func TestWaitingForStepCallbackReportsTool(t *testing.T) {
	var gotTool string
	var gotArgs json.RawMessage
	c := NewController(WithCallbacks(Callbacks{
		OnWaitingForStep: func(tool string, args json.RawMessage) {
			gotTool = tool
			gotArgs = args
		},
	}))
	c.SetStepMode(true)

	done := make(chan struct{})
	go func() {
		c.WaitForStep("write_file", json.RawMessage(`{"path":"main.go"}`))
		close(done)
	}()

	waitUntil(t, c.IsWaitingForStep, "waiter blocked at step gate")
	c.Step()
	<-done

	if gotTool != "write_file" {
		t.Errorf("callback tool = %q, want write_file", gotTool)
	}
	if string(gotArgs) != `{"path":"main.go"}` {
		t.Errorf("callback args = %s", gotArgs)
	}
}

func TestAbortReleasesAllWaiters(t *testing.T) {
	c := NewController()
	c.SetStepMode(true)

	stepErr := make(chan error, 1)
	go func() {
		stepErr <- c.WaitForStep("bash", nil)
	}()
	waitUntil(t, c.IsWaitingForStep, "step waiter blocked")

	c.Pause()
	pauseErr := make(chan error, 1)
	go func() {
		pauseErr <- c.WaitIfPaused()
	}()
	time.Sleep(20 * time.Millisecond)

	c.Abort(false)

	for name, ch := range map[string]chan error{"step": stepErr, "pause": pauseErr} {
		select {
		case err := <-ch:
			if !errors.Is(err, errors.ErrExecutionAborted) {
				t.Errorf("%s waiter returned %v, want ErrExecutionAborted", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s waiter not released by abort", name)
		}
	}

	if got := c.State(); got != StateAborted {
		t.Fatalf("state = %s, want %s", got, StateAborted)
	}
}

func TestAbortIsTerminal(t *testing.T) {
	c := NewController()
	c.Abort(false)

	c.Pause()
	c.Resume()
	c.SetStepMode(true)

	if got := c.State(); got != StateAborted {
		t.Fatalf("state after post-abort transitions = %s, want %s", got, StateAborted)
	}
	if err := c.WaitIfPaused(); !errors.Is(err, errors.ErrExecutionAborted) {
		t.Fatalf("WaitIfPaused after abort = %v, want ErrExecutionAborted", err)
	}
	if err := c.WaitForStep("bash", nil); !errors.Is(err, errors.ErrExecutionAborted) {
		t.Fatalf("WaitForStep after abort = %v, want ErrExecutionAborted", err)
	}
}

func TestRecordAfterAbortDropped(t *testing.T) {
	c := NewController()
	c.Abort(false)
	c.RecordAction(NewBashAction("rm -rf build"))

	if n := len(c.RollbackActions()); n != 0 {
		t.Fatalf("recorded %d actions after abort, want 0", n)
	}
}
