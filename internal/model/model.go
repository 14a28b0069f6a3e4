// Package model defines the data model for agent operations.
package model

import "time"

// ScopeKind identifies the kind of document region a command targets.
type ScopeKind string

// Scope kinds.
const (
	ScopeDocument  ScopeKind = "document"
	ScopeChapter   ScopeKind = "chapter"
	ScopeSection   ScopeKind = "section"
	ScopeSelection ScopeKind = "selection"
)

// Range is a half-open character offset range within a document.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Scope is the addressable region of a document a command targets.
// Immutable once attached to a command.
type Scope struct {
	Kind  ScopeKind `json:"kind"`
	ID    string    `json:"id,omitempty"`
	Title string    `json:"title,omitempty"`
	Range *Range    `json:"range,omitempty"`
}

// AgentCommand is a user-issued editing instruction over a scope.
type AgentCommand struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id,omitempty"`
}

// Requirement is a blocking unmet dependency declared by a plan.
type Requirement struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// Plan is an ordered, reviewable set of proposed edits. A plan with
// non-empty Requires is preview-only and must never be applied.
type Plan struct {
	ID            string        `json:"id"`
	CommandID     string        `json:"command_id"`
	SnapshotID    string        `json:"snapshot_id,omitempty"`
	Scope         Scope         `json:"scope"`
	Steps         []PlanStep    `json:"-"`
	Warnings      []string      `json:"warnings,omitempty"`
	Requires      []Requirement `json:"requires,omitempty"`
	EstimatedTime time.Duration `json:"estimated_time,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Step returns the plan step with the given id, or nil.
func (p Plan) Step(id string) PlanStep {
	for _, s := range p.Steps {
		if s.StepID() == id {
			return s
		}
	}
	return nil
}

// DiffKind identifies the kind of one discrete change.
type DiffKind string

// Diff kinds.
const (
	DiffInsert DiffKind = "ins"
	DiffDelete DiffKind = "del"
	DiffModify DiffKind = "mod"
	DiffMove   DiffKind = "move"
)

// DiffCategory identifies the domain a change belongs to.
type DiffCategory string

// Diff categories.
const (
	CategoryStructure DiffCategory = "structure"
	CategoryContent   DiffCategory = "content"
	CategoryFormat    DiffCategory = "format"
	CategoryReference DiffCategory = "reference"
	CategoryFigure    DiffCategory = "figure"
)

// DiffItem is a preview or post-hoc record of one discrete change.
// Diffs carry no execution side effects. StepID names the plan step that
// produced the change so failures and conflicts can be traced back to it.
type DiffItem struct {
	Path        string       `json:"path"`
	StepID      string       `json:"step_id,omitempty"`
	SectionID   string       `json:"section_id,omitempty"`
	Before      string       `json:"before,omitempty"`
	After       string       `json:"after,omitempty"`
	Kind        DiffKind     `json:"kind"`
	Category    DiffCategory `json:"category"`
	Description string       `json:"description"`
}

// ExecutionStatus is the state of a command lifecycle.
type ExecutionStatus string

// Execution statuses. Success, error and partial are terminal.
const (
	StatusIdle     ExecutionStatus = "idle"
	StatusPlanning ExecutionStatus = "planning"
	StatusPreview  ExecutionStatus = "preview"
	StatusApplying ExecutionStatus = "applying"
	StatusSuccess  ExecutionStatus = "success"
	StatusError    ExecutionStatus = "error"
	StatusPartial  ExecutionStatus = "partial"
)

// StepFailure records one failed step and whether retrying may succeed.
type StepFailure struct {
	StepID    string `json:"step_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// ExecutionResult records the outcome of applying a plan. Completed and
// failed step sets are disjoint; steps missing from both were not attempted.
type ExecutionResult struct {
	PlanID         string          `json:"plan_id"`
	Status         ExecutionStatus `json:"status"`
	CompletedSteps []string        `json:"completed_steps"`
	FailedSteps    []StepFailure   `json:"failed_steps,omitempty"`
	Diffs          []DiffItem      `json:"diffs"`
	UpdatedRefs    []string        `json:"updated_refs,omitempty"`
	Figures        []string        `json:"figures,omitempty"`
	AppliedAt      time.Time       `json:"applied_at"`
	Duration       time.Duration   `json:"duration"`
}

// Completed reports whether the step with the given id committed.
func (r ExecutionResult) Completed(stepID string) bool {
	for _, id := range r.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// AgentOperation is the audit record for one apply attempt. It is owned by
// the ledger once created; only the result and reverted timestamp may be
// attached afterwards, each exactly once.
type AgentOperation struct {
	ID         string           `json:"id"`
	CommandID  string           `json:"command_id"`
	PlanID     string           `json:"plan_id"`
	Command    AgentCommand     `json:"command"`
	Plan       Plan             `json:"plan"`
	Result     *ExecutionResult `json:"result,omitempty"`
	Reversible bool             `json:"reversible"`
	CreatedAt  time.Time        `json:"created_at"`
	AppliedAt  *time.Time       `json:"applied_at,omitempty"`
	RevertedAt *time.Time       `json:"reverted_at,omitempty"`
}

// OperationSummary is the condensed history view of an operation.
type OperationSummary struct {
	OperationID string          `json:"operation_id"`
	CommandText string          `json:"command_text"`
	Scope       Scope           `json:"scope"`
	StepsCount  int             `json:"steps_count"`
	Status      ExecutionStatus `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Reverted    bool            `json:"reverted"`
}

// AgentRecipe is a reusable command template saved from a past command.
type AgentRecipe struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Template    string    `json:"template"`
	Tags        []string  `json:"tags,omitempty"`
	UsageCount  int       `json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
