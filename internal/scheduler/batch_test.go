package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tandem-dev/tandem/internal/errors"
)

func TestBatchRejectsEmptyAndInvalid(t *testing.T) {
	s := New(newGateRunner())
	defer s.Close()

	ctx := context.Background()
	if _, err := s.RunBatch(ctx, BatchRequest{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty batch err = %v", err)
	}
	if _, err := s.RunBatch(ctx, BatchRequest{
		Agents: []Spec{{Type: "a", Task: "x"}},
		Mode:   "zigzag",
	}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("bad mode err = %v", err)
	}
	if _, err := s.RunBatch(ctx, BatchRequest{
		Agents:   []Spec{{Type: "a", Task: "x"}},
		Strategy: "coin-flip",
	}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("bad strategy err = %v", err)
	}
}

func TestSequentialBatchRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var concurrent, peak int

	runner := RunnerFunc(func(ctx context.Context, inst *Instance) (string, error) {
		mu.Lock()
		order = append(order, inst.Task())
		concurrent++
		if concurrent > peak {
			peak = concurrent
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		concurrent--
		mu.Unlock()
		return "ok", nil
	})

	s := New(runner)
	defer s.Close()

	result, err := s.RunBatch(context.Background(), BatchRequest{
		Agents: []Spec{
			{Type: "a", Task: "first"},
			{Type: "b", Task: "second"},
			{Type: "c", Task: "third"},
		},
		Mode: ModeSequential,
	})
	if err != nil {
		t.Fatal(err)
	}

	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if len(result.Instances) != 3 {
		t.Fatalf("instances = %d, want 3", len(result.Instances))
	}
	for _, inst := range result.Instances {
		if inst.Status() != StatusCompleted {
			t.Errorf("agent %s status = %s", inst.Task(), inst.Status())
		}
	}
}

func TestSequentialAbortOnFirstError(t *testing.T) {
	var mu sync.Mutex
	var started []string

	runner := RunnerFunc(func(ctx context.Context, inst *Instance) (string, error) {
		mu.Lock()
		started = append(started, inst.Task())
		mu.Unlock()
		if inst.Task() == "bad" {
			return "", fmt.Errorf("deliberate failure")
		}
		return "ok", nil
	})

	s := New(runner)
	defer s.Close()

	result, err := s.RunBatch(context.Background(), BatchRequest{
		Agents: []Spec{
			{Type: "a", Task: "good"},
			{Type: "b", Task: "bad"},
			{Type: "c", Task: "never"},
		},
		Mode:              ModeSequential,
		AbortOnFirstError: true,
	})
	if !errors.Is(err, errors.ErrBatchAborted) {
		t.Fatalf("err = %v, want ErrBatchAborted", err)
	}
	if len(result.Instances) != 2 {
		t.Fatalf("ran %d agents, want 2", len(result.Instances))
	}

	mu.Lock()
	defer mu.Unlock()
	for _, task := range started {
		if task == "never" {
			t.Fatal("third agent started after abort")
		}
	}
}

func TestSequentialContinuesPastErrorByDefault(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, inst *Instance) (string, error) {
		if inst.Task() == "bad" {
			return "", fmt.Errorf("deliberate failure")
		}
		return "ok", nil
	})

	s := New(runner)
	defer s.Close()

	result, err := s.RunBatch(context.Background(), BatchRequest{
		Agents: []Spec{
			{Type: "a", Task: "bad"},
			{Type: "b", Task: "good"},
		},
		Mode: ModeSequential,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Instances[0].Status(); got != StatusError {
		t.Errorf("first status = %s, want error", got)
	}
	if got := result.Instances[1].Status(); got != StatusCompleted {
		t.Errorf("second status = %s, want completed", got)
	}
}

func TestParallelBatchRunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	running := 0

	runner := RunnerFunc(func(ctx context.Context, inst *Instance) (string, error) {
		mu.Lock()
		running++
		mu.Unlock()
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	s := New(runner, WithMaxConcurrent(3))
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunBatch(context.Background(), BatchRequest{
			Agents: []Spec{
				{Type: "a", Task: "one"},
				{Type: "b", Task: "two"},
				{Type: "c", Task: "three"},
			},
			Mode: ModeParallel,
		})
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 3
	}, "all three agents running at once")

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish")
	}
}

func TestParallelAbortOnFirstErrorCancelsOthers(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, inst *Instance) (string, error) {
		if inst.Task() == "bad" {
			return "", fmt.Errorf("deliberate failure")
		}
		<-ctx.Done()
		return "", ctx.Err()
	})

	s := New(runner)
	defer s.Close()

	result, err := s.RunBatch(context.Background(), BatchRequest{
		Agents: []Spec{
			{Type: "a", Task: "hang"},
			{Type: "b", Task: "bad"},
		},
		Mode:              ModeParallel,
		AbortOnFirstError: true,
	})
	if !errors.Is(err, errors.ErrBatchAborted) {
		t.Fatalf("err = %v, want ErrBatchAborted", err)
	}

	for _, inst := range result.Instances {
		if inst == nil {
			continue
		}
		inst.Wait(context.Background())
		if inst.Task() == "hang" && inst.Status() != StatusCancelled {
			t.Errorf("hanging agent status = %s, want cancelled", inst.Status())
		}
	}
}

func TestBatchResultIncludesConflicts(t *testing.T) {
	var s *Scheduler
	aReported := make(chan struct{})
	bReported := make(chan struct{})

	runner := RunnerFunc(func(ctx context.Context, inst *Instance) (string, error) {
		if inst.Type() == "a" {
			if err := s.ReportFileModified(ctx, inst.ID(), "shared.go"); err != nil {
				return "", err
			}
			close(aReported)
			<-bReported
			return "ok", nil
		}
		<-aReported
		if err := s.ReportFileModified(ctx, inst.ID(), "shared.go"); err != nil {
			return "", err
		}
		close(bReported)
		return "ok", nil
	})

	s = New(runner)
	defer s.Close()

	result, err := s.RunBatch(context.Background(), BatchRequest{
		Agents: []Spec{
			{Type: "a", Task: "one"},
			{Type: "b", Task: "two"},
		},
		Mode:     ModeParallel,
		Strategy: StrategyMergeResults,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].FilePath != "shared.go" {
		t.Fatalf("conflicts = %+v, want one on shared.go", result.Conflicts)
	}
}

func TestAdaptiveWithoutConflictsRunsParallel(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	running, peak := 0, 0

	runner := RunnerFunc(func(ctx context.Context, inst *Instance) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		mu.Lock()
		running--
		mu.Unlock()
		return "ok", nil
	})

	s := New(runner, WithMaxConcurrent(3))
	defer s.Close()

	done := make(chan *BatchResult, 1)
	go func() {
		result, err := s.RunBatch(context.Background(), BatchRequest{
			Agents: []Spec{
				{Type: "a", Task: "one"},
				{Type: "b", Task: "two"},
				{Type: "c", Task: "three"},
			},
			Mode: ModeAdaptive,
		})
		if err != nil {
			t.Error(err)
		}
		done <- result
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 3
	}, "all three agents running at once")

	close(release)
	select {
	case result := <-done:
		if result.Mode != ModeAdaptive {
			t.Errorf("mode = %s, want adaptive", result.Mode)
		}
		if peak != 3 {
			t.Errorf("peak concurrency = %d, want 3", peak)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish")
	}
}

func TestAdaptiveDegradesAfterConflict(t *testing.T) {
	var s *Scheduler
	aReported := make(chan struct{})
	releaseA := make(chan struct{})
	var mu sync.Mutex
	var cStartedAt time.Time
	var aFinishedAt time.Time

	runner := RunnerFunc(func(ctx context.Context, inst *Instance) (string, error) {
		switch inst.Type() {
		case "a":
			if err := s.ReportFileModified(ctx, inst.ID(), "shared.go"); err != nil {
				return "", err
			}
			close(aReported)
			select {
			case <-releaseA:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			mu.Lock()
			aFinishedAt = time.Now()
			mu.Unlock()
			return "ok", nil
		case "b":
			<-aReported
			// Second touch of the same file records the conflict.
			if err := s.ReportFileModified(ctx, inst.ID(), "shared.go"); err != nil {
				return "", err
			}
			return "ok", nil
		default:
			mu.Lock()
			cStartedAt = time.Now()
			mu.Unlock()
			return "ok", nil
		}
	})

	s = New(runner, WithMaxConcurrent(2), WithStrategy(StrategyMergeResults))
	defer s.Close()

	done := make(chan *BatchResult, 1)
	go func() {
		result, err := s.RunBatch(context.Background(), BatchRequest{
			Agents: []Spec{
				{Type: "a", Task: "one"},
				{Type: "b", Task: "two"},
				{Type: "c", Task: "three"},
			},
			Mode: ModeAdaptive,
		})
		if err != nil {
			t.Error(err)
		}
		done <- result
	}()

	// Both slots are held by a and b; the third spawn waits. Once b
	// finishes, the recorded conflict degrades the batch, so c must
	// also wait for a.
	<-aReported
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	started := !cStartedAt.IsZero()
	mu.Unlock()
	if started {
		t.Fatal("third agent started while the batch should be serialized")
	}

	close(releaseA)
	select {
	case result := <-done:
		if len(result.Conflicts) != 1 {
			t.Fatalf("conflicts = %+v, want one", result.Conflicts)
		}
		mu.Lock()
		defer mu.Unlock()
		if cStartedAt.Before(aFinishedAt) {
			t.Error("third agent started before the first finished")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish")
	}
}
