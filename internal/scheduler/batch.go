package scheduler

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/tandem-dev/tandem/internal/errors"
)

// Mode selects how a batch of agents executes.
type Mode string

const (
	// ModeSequential runs agents one at a time, in request order.
	ModeSequential Mode = "sequential"
	// ModeParallel runs agents concurrently up to the scheduler ceiling.
	ModeParallel Mode = "parallel"
	// ModeAdaptive starts in parallel and, once any file conflict is
	// detected, serializes every subsequent spawn in the batch while
	// already-running agents finish naturally.
	ModeAdaptive Mode = "adaptive"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeAdaptive:
		return true
	default:
		return false
	}
}

// BatchRequest asks for a coordinated group of agents.
type BatchRequest struct {
	Agents []Spec
	// Mode defaults to parallel.
	Mode Mode
	// Strategy overrides the scheduler conflict strategy for every agent
	// in the batch.
	Strategy ConflictStrategy
	// AbortOnFirstError cancels remaining agents when one fails.
	AbortOnFirstError bool
}

// BatchResult reports the outcome of a batch. Instances appear in
// request order; Conflicts holds the file conflicts detected while the
// batch ran.
type BatchResult struct {
	Instances []*Instance
	Conflicts []FileConflict
	// Mode is the mode the batch executed under.
	Mode Mode
}

// RunBatch spawns every agent in the request and waits for all of them.
// It returns ErrBatchAborted (wrapped) when AbortOnFirstError stops the
// batch early; the partial result is still returned alongside the error.
func (s *Scheduler) RunBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if len(req.Agents) == 0 {
		return nil, errors.NewAgentError("batch: no agents", errors.ErrInvalidInput)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeParallel
	}
	if !mode.Valid() {
		return nil, errors.NewAgentError(fmt.Sprintf("batch: unknown mode %q", mode), errors.ErrInvalidInput)
	}
	if req.Strategy != "" && !req.Strategy.Valid() {
		return nil, errors.NewAgentError(fmt.Sprintf("batch: unknown strategy %q", req.Strategy), errors.ErrInvalidInput)
	}

	agents := make([]Spec, len(req.Agents))
	copy(agents, req.Agents)
	if req.Strategy != "" {
		for i := range agents {
			agents[i].Strategy = req.Strategy
		}
	}

	conflictStart := len(s.Conflicts())

	var (
		result *BatchResult
		err    error
	)
	switch mode {
	case ModeSequential:
		result, err = s.runSequential(ctx, agents, req.AbortOnFirstError)
	case ModeAdaptive:
		result, err = s.runAdaptive(ctx, agents, conflictStart, req.AbortOnFirstError)
	default:
		result, err = s.runParallel(ctx, agents, req.AbortOnFirstError)
	}
	result.Mode = mode
	result.Conflicts = s.Conflicts()[conflictStart:]
	return result, err
}

func (s *Scheduler) runSequential(ctx context.Context, agents []Spec, abortOnFirstError bool) (*BatchResult, error) {
	result := &BatchResult{}
	for i, spec := range agents {
		inst, err := s.Spawn(ctx, spec)
		if err != nil {
			return result, err
		}
		result.Instances = append(result.Instances, inst)

		if err := inst.Wait(ctx); err != nil {
			return result, err
		}
		if abortOnFirstError && inst.Status() == StatusError {
			return result, fmt.Errorf("agent %d (%s) failed: %w: %w",
				i, spec.Type, errors.ErrBatchAborted, inst.Err())
		}
	}
	return result, nil
}

func (s *Scheduler) runParallel(ctx context.Context, agents []Spec, abortOnFirstError bool) (*BatchResult, error) {
	result := &BatchResult{Instances: make([]*Instance, len(agents))}

	p := pool.New().WithContext(ctx)
	if abortOnFirstError {
		p = p.WithCancelOnError().WithFirstError()
	}

	for i, spec := range agents {
		i, spec := i, spec
		p.Go(func(ctx context.Context) error {
			inst, err := s.Spawn(ctx, spec)
			if err != nil {
				return err
			}
			result.Instances[i] = inst

			if err := inst.Wait(ctx); err != nil {
				// The batch context died; the spawn context is derived
				// from it, so the agent will be cancelled too.
				return err
			}
			if abortOnFirstError && inst.Status() == StatusError {
				return fmt.Errorf("agent %d (%s) failed: %w", i, spec.Type, inst.Err())
			}
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		if abortOnFirstError && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", errors.ErrBatchAborted, err)
		}
		return result, err
	}
	return result, nil
}

// runAdaptive spawns agents in order without waiting, like parallel, but
// re-evaluates before each spawn once the scheduler would queue it
// anyway. After the first conflict attributed to this batch, every
// remaining spawn waits for all earlier agents to finish first.
func (s *Scheduler) runAdaptive(ctx context.Context, agents []Spec, conflictStart int, abortOnFirstError bool) (*BatchResult, error) {
	result := &BatchResult{}
	degraded := false

	for _, spec := range agents {
		// Rather than stacking spawns in the admission queue, hold the
		// next spawn until a slot frees. Conflicts reported in the
		// meantime are visible at the re-check below.
		if err := s.waitForSlot(ctx, result.Instances); err != nil {
			return result, err
		}

		if !degraded && len(s.Conflicts()) > conflictStart {
			degraded = true
			s.logger.Info("batch degrading to serialized spawns after conflict")
		}
		if degraded {
			for _, prev := range result.Instances {
				if err := prev.Wait(ctx); err != nil {
					return result, err
				}
			}
		}

		inst, err := s.Spawn(ctx, spec)
		if err != nil {
			return result, err
		}
		result.Instances = append(result.Instances, inst)
	}

	for i, inst := range result.Instances {
		if err := inst.Wait(ctx); err != nil {
			return result, err
		}
		if abortOnFirstError && inst.Status() == StatusError {
			for _, other := range result.Instances {
				if !other.Status().Terminal() {
					_ = s.Cancel(other.ID())
				}
			}
			return result, fmt.Errorf("agent %d (%s) failed: %w: %w",
				i, agents[i].Type, errors.ErrBatchAborted, inst.Err())
		}
	}
	return result, nil
}

// waitForSlot blocks while every concurrency slot is held by an earlier
// member of this batch.
func (s *Scheduler) waitForSlot(ctx context.Context, spawned []*Instance) error {
	for {
		active := 0
		for _, prev := range spawned {
			if !prev.Status().Terminal() {
				active++
			}
		}
		if active < s.maxConcurrent {
			return nil
		}
		select {
		case <-s.slotFreed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
