package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepKind discriminates plan step variants on the wire.
type StepKind string

// Step kinds.
const (
	StepStructure     StepKind = "structure"
	StepCitationStyle StepKind = "citation_style"
	StepFigure        StepKind = "figure"
	StepRewrite       StepKind = "rewrite"
	StepReference     StepKind = "reference"
)

// PlanStep is one proposed edit. Steps are ordered; later steps may assume
// earlier steps committed. The set of implementations is closed.
type PlanStep interface {
	StepID() string
	Describe() string
	Kind() StepKind
	Category() DiffCategory
	Validate() error
}

// StructureOp is the kind of structural edit.
type StructureOp string

// Structural operations.
const (
	OpReorder StructureOp = "reorder"
	OpSplit   StructureOp = "split"
	OpMerge   StructureOp = "merge"
	OpLevel   StructureOp = "level"
)

// StructureStep reorders, splits, merges or re-levels sections.
type StructureStep struct {
	ID         string      `json:"id"`
	Op         StructureOp `json:"op"`
	FromID     string      `json:"from_id"`
	ToID       string      `json:"to_id,omitempty"`
	NewTitles  []string    `json:"new_titles,omitempty"`
	LevelDelta int         `json:"level_delta,omitempty"`
	Desc       string      `json:"description"`
}

func (s StructureStep) StepID() string         { return s.ID }
func (s StructureStep) Describe() string       { return s.Desc }
func (s StructureStep) Kind() StepKind         { return StepStructure }
func (s StructureStep) Category() DiffCategory { return CategoryStructure }

func (s StructureStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("step id is required")
	}
	if strings.TrimSpace(s.FromID) == "" {
		return fmt.Errorf("from_id is required")
	}
	switch s.Op {
	case OpReorder, OpMerge:
		if strings.TrimSpace(s.ToID) == "" {
			return fmt.Errorf("to_id is required for %s", s.Op)
		}
	case OpSplit:
		if len(s.NewTitles) != 2 {
			return fmt.Errorf("split requires exactly two new titles")
		}
	case OpLevel:
		if s.LevelDelta == 0 {
			return fmt.Errorf("level_delta must be non-zero")
		}
	default:
		return fmt.Errorf("unsupported structure op %q", s.Op)
	}
	return nil
}

// CitationStyleStep switches the document citation style.
type CitationStyleStep struct {
	ID    string `json:"id"`
	Style string `json:"style"`
	Desc  string `json:"description"`
}

func (s CitationStyleStep) StepID() string         { return s.ID }
func (s CitationStyleStep) Describe() string       { return s.Desc }
func (s CitationStyleStep) Kind() StepKind         { return StepCitationStyle }
func (s CitationStyleStep) Category() DiffCategory { return CategoryFormat }

func (s CitationStyleStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("step id is required")
	}
	if strings.TrimSpace(s.Style) == "" {
		return fmt.Errorf("style is required")
	}
	return nil
}

// FigureStep inserts a figure generated from a table.
type FigureStep struct {
	ID             string `json:"id"`
	TableID        string `json:"table_id"`
	Caption        string `json:"caption,omitempty"`
	AfterSectionID string `json:"after_section_id,omitempty"`
	Desc           string `json:"description"`
}

func (s FigureStep) StepID() string         { return s.ID }
func (s FigureStep) Describe() string       { return s.Desc }
func (s FigureStep) Kind() StepKind         { return StepFigure }
func (s FigureStep) Category() DiffCategory { return CategoryFigure }

func (s FigureStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("step id is required")
	}
	if strings.TrimSpace(s.TableID) == "" {
		return fmt.Errorf("table_id is required")
	}
	return nil
}

// RewriteStep rewrites a section's language with a target tone.
type RewriteStep struct {
	ID        string `json:"id"`
	SectionID string `json:"section_id"`
	Tone      string `json:"tone"`
	Desc      string `json:"description"`
}

func (s RewriteStep) StepID() string         { return s.ID }
func (s RewriteStep) Describe() string       { return s.Desc }
func (s RewriteStep) Kind() StepKind         { return StepRewrite }
func (s RewriteStep) Category() DiffCategory { return CategoryContent }

func (s RewriteStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("step id is required")
	}
	if strings.TrimSpace(s.SectionID) == "" {
		return fmt.Errorf("section_id is required")
	}
	if strings.TrimSpace(s.Tone) == "" {
		return fmt.Errorf("tone is required")
	}
	return nil
}

// ReferenceStep supplements a section with verified references.
type ReferenceStep struct {
	ID        string `json:"id"`
	SectionID string `json:"section_id"`
	Query     string `json:"query"`
	Count     int    `json:"count"`
	Desc      string `json:"description"`
}

func (s ReferenceStep) StepID() string         { return s.ID }
func (s ReferenceStep) Describe() string       { return s.Desc }
func (s ReferenceStep) Kind() StepKind         { return StepReference }
func (s ReferenceStep) Category() DiffCategory { return CategoryReference }

func (s ReferenceStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("step id is required")
	}
	if strings.TrimSpace(s.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if s.Count <= 0 {
		return fmt.Errorf("count must be > 0")
	}
	return nil
}

type stepEnvelope struct {
	Type StepKind        `json:"type"`
	Step json.RawMessage `json:"step"`
}

// MarshalStep wraps a step in its wire envelope.
func MarshalStep(s PlanStep) (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s step: %w", s.Kind(), err)
	}
	env, err := json.Marshal(stepEnvelope{Type: s.Kind(), Step: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal step envelope: %w", err)
	}
	return env, nil
}

// UnmarshalStep decodes a step from its wire envelope.
func UnmarshalStep(data json.RawMessage) (PlanStep, error) {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse step envelope: %w", err)
	}
	var step PlanStep
	switch env.Type {
	case StepStructure:
		step = &StructureStep{}
	case StepCitationStyle:
		step = &CitationStyleStep{}
	case StepFigure:
		step = &FigureStep{}
	case StepRewrite:
		step = &RewriteStep{}
	case StepReference:
		step = &ReferenceStep{}
	default:
		return nil, fmt.Errorf("unknown step type %q", env.Type)
	}
	if err := json.Unmarshal(env.Step, step); err != nil {
		return nil, fmt.Errorf("parse %s step: %w", env.Type, err)
	}
	switch s := step.(type) {
	case *StructureStep:
		return *s, nil
	case *CitationStyleStep:
		return *s, nil
	case *FigureStep:
		return *s, nil
	case *RewriteStep:
		return *s, nil
	case *ReferenceStep:
		return *s, nil
	}
	return nil, fmt.Errorf("unknown step type %q", env.Type)
}

type planAlias Plan

type planWire struct {
	planAlias
	Steps []json.RawMessage `json:"steps"`
}

// MarshalJSON encodes the plan with step envelopes.
func (p Plan) MarshalJSON() ([]byte, error) {
	wire := planWire{planAlias: planAlias(p)}
	wire.Steps = make([]json.RawMessage, 0, len(p.Steps))
	for _, s := range p.Steps {
		env, err := MarshalStep(s)
		if err != nil {
			return nil, err
		}
		wire.Steps = append(wire.Steps, env)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the plan including step envelopes.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var wire planWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}
	out := Plan(wire.planAlias)
	out.Steps = make([]PlanStep, 0, len(wire.Steps))
	for i, env := range wire.Steps {
		step, err := UnmarshalStep(env)
		if err != nil {
			return fmt.Errorf("step[%d]: %w", i, err)
		}
		out.Steps = append(out.Steps, step)
	}
	*p = out
	return nil
}

// Validate checks the plan for well-formed, uniquely identified steps.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("plan id is required")
	}
	if strings.TrimSpace(p.CommandID) == "" {
		return fmt.Errorf("command id is required")
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step[%d]: %w", i, err)
		}
		if seen[s.StepID()] {
			return fmt.Errorf("step[%d]: duplicate step id %q", i, s.StepID())
		}
		seen[s.StepID()] = true
	}
	return nil
}
