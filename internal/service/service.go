// Package service binds planning, execution, audit and undo into the
// operations exposed at the boundary.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/poer2023/CHANGE-sub002/internal/diff"
	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/engine"
	"github.com/poer2023/CHANGE-sub002/internal/ledger"
	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/poer2023/CHANGE-sub002/internal/planner"
	"github.com/poer2023/CHANGE-sub002/internal/recipe"
	"github.com/poer2023/CHANGE-sub002/internal/undo"
	"github.com/rs/zerolog/log"
)

// ErrPlanNotFound means no pending plan exists for the given id. Plans are
// consumed by apply; a discarded or already-applied plan cannot be reused.
var ErrPlanNotFound = errors.New("plan not found")

// Service is the agent operation engine's external surface.
type Service struct {
	planner planner.Planner
	engine  *engine.Engine
	ledger  *ledger.Ledger
	undo    *undo.Coordinator
	recipes *recipe.Store
	docs    document.Store

	mu      sync.Mutex
	pending map[string]pendingPlan
}

type pendingPlan struct {
	command model.AgentCommand
	plan    model.Plan
}

// New wires the service from its collaborators.
func New(p planner.Planner, e *engine.Engine, l *ledger.Ledger, u *undo.Coordinator, r *recipe.Store, docs document.Store) *Service {
	return &Service{
		planner: p,
		engine:  e,
		ledger:  l,
		undo:    u,
		recipes: r,
		docs:    docs,
		pending: make(map[string]pendingPlan),
	}
}

// PlanOutput is the planning result offered for review.
type PlanOutput struct {
	Command      model.AgentCommand  `json:"command"`
	Plan         model.Plan          `json:"plan"`
	PreviewDiffs []model.DiffItem    `json:"preview_diffs"`
	Warnings     []string            `json:"warnings,omitempty"`
	Requirements []model.Requirement `json:"requirements,omitempty"`
}

// PlanCommand turns a command over a scope into a reviewable plan with
// preview diffs. Planning is read-only; nothing is recorded or mutated.
// A planner failure is returned to the caller, never retried silently.
func (s *Service) PlanCommand(ctx context.Context, text string, scope model.Scope, snapshotID, userID string) (PlanOutput, error) {
	cmdID, err := newID("cmd")
	if err != nil {
		return PlanOutput{}, err
	}
	command := model.AgentCommand{
		ID:        cmdID,
		Text:      text,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
		UserID:    userID,
	}
	log.Debug().Str("command_id", command.ID).Str("scope", string(scope.Kind)).Msg("planning command")

	plan, err := s.planner.Plan(ctx, planner.Request{Command: command, SnapshotID: snapshotID})
	if err != nil {
		return PlanOutput{}, fmt.Errorf("plan command: %w", err)
	}
	if plan.SnapshotID == "" {
		plan.SnapshotID = snapshotID
	}

	snap, err := s.docs.Get(ctx, plan.SnapshotID)
	if err != nil {
		return PlanOutput{}, fmt.Errorf("load snapshot for preview: %w", err)
	}
	previewDiffs := diff.Synthesize(plan, snap)

	s.mu.Lock()
	s.pending[plan.ID] = pendingPlan{command: command, plan: plan}
	s.mu.Unlock()

	log.Info().
		Str("command_id", command.ID).
		Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).
		Int("requires", len(plan.Requires)).
		Msg("plan ready for review")
	return PlanOutput{
		Command:      command,
		Plan:         plan,
		PreviewDiffs: previewDiffs,
		Warnings:     plan.Warnings,
		Requirements: plan.Requires,
	}, nil
}

// ImportPlan registers an externally held command/plan pair as pending so
// it can be applied in this process. Used by the CLI, which carries plans
// between invocations as files.
func (s *Service) ImportPlan(command model.AgentCommand, plan model.Plan) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("import plan: %w", err)
	}
	s.mu.Lock()
	s.pending[plan.ID] = pendingPlan{command: command, plan: plan}
	s.mu.Unlock()
	return nil
}

// ApplyOutput is the apply result plus its audit entry.
type ApplyOutput struct {
	Result     model.ExecutionResult `json:"result"`
	AuditEntry model.AgentOperation  `json:"audit_entry"`
}

// ApplyPlan applies an accepted pending plan. A plan with unmet
// requirements is rejected before anything is recorded. An apply whose
// result cannot be durably recorded is treated as failed.
func (s *Service) ApplyPlan(ctx context.Context, planID string, acceptSteps []string) (ApplyOutput, error) {
	// Consume the pending entry in the same critical section as the lookup
	// so concurrent applies of one plan id cannot both proceed. Blocked
	// plans stay pending; they are rejected, not consumed.
	s.mu.Lock()
	pend, ok := s.pending[planID]
	if ok && len(pend.plan.Requires) == 0 {
		delete(s.pending, planID)
	}
	s.mu.Unlock()
	if !ok {
		return ApplyOutput{}, fmt.Errorf("plan %s: %w", planID, ErrPlanNotFound)
	}
	if len(pend.plan.Requires) > 0 {
		return ApplyOutput{}, fmt.Errorf("plan %s: %w", planID, engine.ErrBlockedByRequirements)
	}

	opID, err := newID("op")
	if err != nil {
		return ApplyOutput{}, err
	}
	op := model.AgentOperation{
		ID:        opID,
		CommandID: pend.command.ID,
		PlanID:    pend.plan.ID,
		Command:   pend.command,
		Plan:      pend.plan,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.ledger.Record(ctx, op); err != nil {
		return ApplyOutput{}, fmt.Errorf("record operation: %w", err)
	}

	result, err := s.engine.Apply(ctx, pend.plan, pend.plan.SnapshotID, acceptSteps)
	if err != nil {
		return ApplyOutput{}, fmt.Errorf("apply plan: %w", err)
	}

	if err := s.ledger.AttachResult(ctx, opID, result); err != nil {
		// An unaudited mutation must not look successful.
		return ApplyOutput{}, fmt.Errorf("record result: %w", err)
	}
	recorded, err := s.ledger.Get(ctx, opID)
	if err != nil {
		return ApplyOutput{}, err
	}
	return ApplyOutput{Result: result, AuditEntry: recorded}, nil
}

// UndoOperation reverts a recorded operation's committed diffs.
func (s *Service) UndoOperation(ctx context.Context, operationID string) (undo.Reverted, error) {
	return s.undo.Undo(ctx, operationID)
}

// History returns the summarized operation history.
func (s *Service) History(ctx context.Context) ([]model.OperationSummary, error) {
	return s.ledger.Summaries(ctx)
}

// ExportAuditLog serializes the complete audit log.
func (s *Service) ExportAuditLog(ctx context.Context) ([]byte, error) {
	return s.ledger.Export(ctx)
}

// ClearHistory removes all recorded operations.
func (s *Service) ClearHistory(ctx context.Context) error {
	return s.ledger.Clear(ctx)
}

// SaveRecipe saves a reusable command template.
func (s *Service) SaveRecipe(ctx context.Context, name, command string, tags []string) (model.AgentRecipe, error) {
	return s.recipes.Save(ctx, name, "", command, tags)
}

// ListRecipes returns all saved recipes.
func (s *Service) ListRecipes(ctx context.Context) ([]model.AgentRecipe, error) {
	return s.recipes.List(ctx)
}

// UseRecipe marks a recipe as reused and returns it; the caller submits the
// template as a fresh command.
func (s *Service) UseRecipe(ctx context.Context, recipeID string) (model.AgentRecipe, error) {
	return s.recipes.Use(ctx, recipeID)
}
