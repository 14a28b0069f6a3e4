// Package engine applies accepted plans against document snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/rs/zerolog/log"
)

// ErrBlockedByRequirements means the plan declared unmet dependencies and
// must not be applied.
var ErrBlockedByRequirements = errors.New("plan is blocked by unmet requirements")

// Engine executes plan steps sequentially against a snapshot, holding the
// snapshot's exclusive lock for the whole apply.
type Engine struct {
	docs        document.Store
	verifier    document.Verifier
	locks       *document.LockTable
	stepTimeout time.Duration
}

// New constructs an engine. stepTimeout bounds each blocking step; zero
// means no per-step deadline.
func New(docs document.Store, verifier document.Verifier, locks *document.LockTable, stepTimeout time.Duration) *Engine {
	return &Engine{docs: docs, verifier: verifier, locks: locks, stepTimeout: stepTimeout}
}

// Apply executes the plan's steps in order against the snapshot it was
// planned for. acceptSteps, when non-empty, limits execution to the listed
// step ids; other steps are skipped, not failed. Unknown ids are ignored.
//
// Steps are applied best-effort: a failed step leaves the document exactly
// as it was and execution continues with the next step. Cancellation is
// honored between steps only; remaining steps are left unattempted and the
// result reports partial, never success, so callers can trust that a
// success status means the whole plan committed.
func (e *Engine) Apply(ctx context.Context, plan model.Plan, snapshotID string, acceptSteps []string) (model.ExecutionResult, error) {
	if len(plan.Requires) > 0 {
		return model.ExecutionResult{}, fmt.Errorf("plan %s: %w", plan.ID, ErrBlockedByRequirements)
	}

	unlock := e.locks.Lock(snapshotID)
	defer unlock()

	snap, err := e.docs.Get(ctx, snapshotID)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("load snapshot: %w", err)
	}

	accepted := make(map[string]bool, len(acceptSteps))
	for _, id := range acceptSteps {
		accepted[id] = true
	}

	startedAt := time.Now().UTC()
	result := model.ExecutionResult{
		PlanID:         plan.ID,
		Status:         model.StatusApplying,
		CompletedSteps: []string{},
		Diffs:          []model.DiffItem{},
	}
	attempted := 0
	cancelled := false

	for _, step := range plan.Steps {
		if len(acceptSteps) > 0 && !accepted[step.StepID()] {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			log.Warn().Str("plan_id", plan.ID).Str("step_id", step.StepID()).Msg("apply cancelled between steps")
			break
		}
		attempted++

		next, diffs, err := e.applyOne(ctx, snap, step)
		if err != nil {
			retryable := errors.Is(err, document.ErrRetryable)
			result.FailedSteps = append(result.FailedSteps, model.StepFailure{
				StepID:    step.StepID(),
				Error:     err.Error(),
				Retryable: retryable,
			})
			log.Warn().Err(err).
				Str("plan_id", plan.ID).
				Str("step_id", step.StepID()).
				Bool("retryable", retryable).
				Msg("step failed")
			continue
		}
		snap = next
		result.CompletedSteps = append(result.CompletedSteps, step.StepID())
		result.Diffs = append(result.Diffs, diffs...)
		log.Debug().
			Str("plan_id", plan.ID).
			Str("step_id", step.StepID()).
			Int("diffs", len(diffs)).
			Msg("step committed")
	}

	if len(result.CompletedSteps) > 0 {
		if err := e.docs.Put(ctx, snap); err != nil {
			return model.ExecutionResult{}, fmt.Errorf("store snapshot: %w", err)
		}
	}

	switch {
	case cancelled:
		// Unattempted steps remain in neither the completed nor the failed
		// set; the outcome is partial regardless of what did run.
		result.Status = model.StatusPartial
	case len(result.FailedSteps) == 0:
		result.Status = model.StatusSuccess
	case len(result.FailedSteps) == attempted:
		result.Status = model.StatusError
	default:
		result.Status = model.StatusPartial
	}
	result.UpdatedRefs = collectIDs(result.Diffs, model.CategoryReference, "references/")
	result.Figures = collectIDs(result.Diffs, model.CategoryFigure, "figures/")
	result.AppliedAt = startedAt
	result.Duration = time.Since(startedAt)

	log.Info().
		Str("plan_id", plan.ID).
		Str("status", string(result.Status)).
		Int("completed", len(result.CompletedSteps)).
		Int("failed", len(result.FailedSteps)).
		Dur("duration", result.Duration).
		Msg("apply finished")
	return result, nil
}

// applyOne applies a single step with its own deadline. The step either
// commits fully or leaves the snapshot untouched.
func (e *Engine) applyOne(ctx context.Context, snap *document.Snapshot, step model.PlanStep) (*document.Snapshot, []model.DiffItem, error) {
	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return document.ApplyStep(stepCtx, snap, step, e.verifier)
}

func collectIDs(diffs []model.DiffItem, category model.DiffCategory, prefix string) []string {
	var out []string
	for _, d := range diffs {
		if d.Category != category || d.Kind != model.DiffInsert {
			continue
		}
		if id := strings.TrimPrefix(d.Path, prefix); id != d.Path {
			out = append(out, id)
		}
	}
	return out
}
