package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/poer2023/CHANGE-sub002/internal/model"
)

// ErrRetryable marks step failures caused by transient external conditions.
// Callers may retry the same step; the document was left untouched.
var ErrRetryable = errors.New("retryable step failure")

// Verifier looks up verified references from an external source. The call
// blocks and must honor the context deadline.
type Verifier interface {
	Lookup(ctx context.Context, query string, count int) ([]Reference, error)
}

// ApplyStep applies one plan step against a snapshot and returns the new
// snapshot plus the diffs that landed, each stamped with the step's id. The
// input snapshot is never mutated; on error the caller keeps the original
// state.
func ApplyStep(ctx context.Context, snap *Snapshot, step model.PlanStep, verifier Verifier) (*Snapshot, []model.DiffItem, error) {
	next, diffs, err := applyStepKind(ctx, snap.Clone(), step, verifier)
	if err != nil {
		return nil, nil, err
	}
	for i := range diffs {
		diffs[i].StepID = step.StepID()
	}
	return next, diffs, nil
}

func applyStepKind(ctx context.Context, next *Snapshot, step model.PlanStep, verifier Verifier) (*Snapshot, []model.DiffItem, error) {
	switch s := step.(type) {
	case model.StructureStep:
		diffs, err := applyStructure(next, s)
		if err != nil {
			return nil, nil, err
		}
		return next, diffs, nil
	case model.CitationStyleStep:
		before := next.CitationStyle
		next.CitationStyle = s.Style
		return next, []model.DiffItem{{
			Path:        "document/citation_style",
			Before:      before,
			After:       s.Style,
			Kind:        model.DiffModify,
			Category:    model.CategoryFormat,
			Description: fmt.Sprintf("switch citation style to %s", s.Style),
		}}, nil
	case model.FigureStep:
		return applyFigure(next, s)
	case model.RewriteStep:
		return applyRewrite(next, s)
	case model.ReferenceStep:
		return applyReference(ctx, next, s, verifier)
	}
	return nil, nil, fmt.Errorf("unsupported step kind %q", step.Kind())
}

func applyStructure(snap *Snapshot, s model.StructureStep) ([]model.DiffItem, error) {
	from := snap.SectionIndex(s.FromID)
	if from < 0 {
		return nil, fmt.Errorf("section %s not found", s.FromID)
	}
	switch s.Op {
	case model.OpReorder:
		return reorderSection(snap, s, from)
	case model.OpSplit:
		return splitSection(snap, s, from)
	case model.OpMerge:
		return mergeSections(snap, s, from)
	case model.OpLevel:
		return adjustLevel(snap, s, from)
	}
	return nil, fmt.Errorf("unsupported structure op %q", s.Op)
}

func reorderSection(snap *Snapshot, s model.StructureStep, from int) ([]model.DiffItem, error) {
	if s.ToID == s.FromID {
		return nil, fmt.Errorf("cannot move section %s relative to itself", s.FromID)
	}
	to := snap.SectionIndex(s.ToID)
	if to < 0 {
		return nil, fmt.Errorf("section %s not found", s.ToID)
	}
	// The section previously preceding position matters for reverting.
	prevNext := ""
	if from+1 < len(snap.Sections) {
		prevNext = snap.Sections[from+1].ID
	}
	moved := snap.Sections[from]
	rest := append(append([]Section(nil), snap.Sections[:from]...), snap.Sections[from+1:]...)
	insert := 0
	for i := range rest {
		if rest[i].ID == s.ToID {
			insert = i
			break
		}
	}
	snap.Sections = append(rest[:insert:insert], append([]Section{moved}, rest[insert:]...)...)
	return []model.DiffItem{{
		Path:        fmt.Sprintf("sections/%s", moved.ID),
		SectionID:   moved.ID,
		Before:      prevNext,
		After:       s.ToID,
		Kind:        model.DiffMove,
		Category:    model.CategoryStructure,
		Description: describe(s, fmt.Sprintf("move section %q before %q", moved.Title, s.ToID)),
	}}, nil
}

func splitSection(snap *Snapshot, s model.StructureStep, from int) ([]model.DiffItem, error) {
	orig := snap.Sections[from]
	first, second := splitContent(orig.Content)
	updated := orig
	updated.Title = s.NewTitles[0]
	updated.Content = first
	extra := Section{
		ID:      orig.ID + "-2",
		Title:   s.NewTitles[1],
		Level:   orig.Level,
		Content: second,
	}
	if snap.SectionIndex(extra.ID) >= 0 {
		return nil, fmt.Errorf("section %s already exists", extra.ID)
	}
	snap.Sections[from] = updated
	snap.Sections = append(snap.Sections[:from+1:from+1], append([]Section{extra}, snap.Sections[from+1:]...)...)
	return []model.DiffItem{
		{
			Path:        fmt.Sprintf("sections/%s", orig.ID),
			SectionID:   orig.ID,
			Before:      encodeSection(orig),
			After:       encodeSection(updated),
			Kind:        model.DiffModify,
			Category:    model.CategoryStructure,
			Description: describe(s, fmt.Sprintf("split section %q, first part %q", orig.Title, updated.Title)),
		},
		{
			Path:        fmt.Sprintf("sections/%d", from+1),
			SectionID:   extra.ID,
			After:       encodeSection(extra),
			Kind:        model.DiffInsert,
			Category:    model.CategoryStructure,
			Description: describe(s, fmt.Sprintf("split section %q, second part %q", orig.Title, extra.Title)),
		},
	}, nil
}

func mergeSections(snap *Snapshot, s model.StructureStep, from int) ([]model.DiffItem, error) {
	to := snap.SectionIndex(s.ToID)
	if to < 0 {
		return nil, fmt.Errorf("section %s not found", s.ToID)
	}
	if to == from {
		return nil, fmt.Errorf("cannot merge section %s into itself", s.FromID)
	}
	source := snap.Sections[from]
	target := snap.Sections[to]
	updated := target
	updated.Content = strings.TrimSpace(target.Content + "\n\n" + source.Content)
	snap.Sections[to] = updated
	snap.Sections = append(snap.Sections[:from:from], snap.Sections[from+1:]...)
	return []model.DiffItem{
		{
			Path:        fmt.Sprintf("sections/%s", target.ID),
			SectionID:   target.ID,
			Before:      encodeSection(target),
			After:       encodeSection(updated),
			Kind:        model.DiffModify,
			Category:    model.CategoryStructure,
			Description: describe(s, fmt.Sprintf("merge section %q into %q", source.Title, target.Title)),
		},
		{
			Path:        fmt.Sprintf("sections/%d", from),
			SectionID:   source.ID,
			Before:      encodeSection(source),
			Kind:        model.DiffDelete,
			Category:    model.CategoryStructure,
			Description: describe(s, fmt.Sprintf("remove merged section %q", source.Title)),
		},
	}, nil
}

func adjustLevel(snap *Snapshot, s model.StructureStep, from int) ([]model.DiffItem, error) {
	orig := snap.Sections[from]
	updated := orig
	updated.Level = orig.Level + s.LevelDelta
	if updated.Level < 1 {
		return nil, fmt.Errorf("section %s cannot go above level 1", orig.ID)
	}
	snap.Sections[from] = updated
	return []model.DiffItem{{
		Path:        fmt.Sprintf("sections/%s", orig.ID),
		SectionID:   orig.ID,
		Before:      encodeSection(orig),
		After:       encodeSection(updated),
		Kind:        model.DiffModify,
		Category:    model.CategoryStructure,
		Description: describe(s, fmt.Sprintf("change section %q level %d -> %d", orig.Title, orig.Level, updated.Level)),
	}}, nil
}

func applyFigure(snap *Snapshot, s model.FigureStep) (*Snapshot, []model.DiffItem, error) {
	table, ok := snap.Table(s.TableID)
	if !ok {
		return nil, nil, fmt.Errorf("table %s not found", s.TableID)
	}
	caption := s.Caption
	if caption == "" {
		caption = table.Caption
	}
	fig := Figure{
		ID:             "fig-" + table.ID,
		Caption:        caption,
		SourceTableID:  table.ID,
		AfterSectionID: s.AfterSectionID,
	}
	for _, existing := range snap.Figures {
		if existing.ID == fig.ID {
			return nil, nil, fmt.Errorf("figure %s already exists", fig.ID)
		}
	}
	snap.Figures = append(snap.Figures, fig)
	return snap, []model.DiffItem{{
		Path:        fmt.Sprintf("figures/%s", fig.ID),
		SectionID:   s.AfterSectionID,
		After:       fig.Caption,
		Kind:        model.DiffInsert,
		Category:    model.CategoryFigure,
		Description: describe(s, fmt.Sprintf("insert figure from table %q", table.ID)),
	}}, nil
}

func applyRewrite(snap *Snapshot, s model.RewriteStep) (*Snapshot, []model.DiffItem, error) {
	idx := snap.SectionIndex(s.SectionID)
	if idx < 0 {
		return nil, nil, fmt.Errorf("section %s not found", s.SectionID)
	}
	sec := snap.Sections[idx]
	rewritten := rewriteContent(sec.Content)
	snap.Sections[idx].Content = rewritten
	return snap, []model.DiffItem{{
		Path:        fmt.Sprintf("sections/%s/content", sec.ID),
		SectionID:   sec.ID,
		Before:      sec.Content,
		After:       rewritten,
		Kind:        model.DiffModify,
		Category:    model.CategoryContent,
		Description: describe(s, fmt.Sprintf("rewrite section %q with %s tone", sec.Title, s.Tone)),
	}}, nil
}

func applyReference(ctx context.Context, snap *Snapshot, s model.ReferenceStep, verifier Verifier) (*Snapshot, []model.DiffItem, error) {
	if verifier == nil {
		return nil, nil, fmt.Errorf("reference lookup unavailable: %w", ErrRetryable)
	}
	refs, err := verifier.Lookup(ctx, s.Query, s.Count)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil, fmt.Errorf("reference lookup timed out: %w", ErrRetryable)
		}
		return nil, nil, fmt.Errorf("reference lookup failed (%v): %w", err, ErrRetryable)
	}
	diffs := make([]model.DiffItem, 0, len(refs))
	for _, ref := range refs {
		snap.References = append(snap.References, ref)
		diffs = append(diffs, model.DiffItem{
			Path:        fmt.Sprintf("references/%s", ref.ID),
			SectionID:   s.SectionID,
			After:       ref.Text,
			Kind:        model.DiffInsert,
			Category:    model.CategoryReference,
			Description: describe(s, fmt.Sprintf("add reference %q", ref.ID)),
		})
	}
	return snap, diffs, nil
}

// rewriteContent is the deterministic language normalization applied in
// place of the external rewriting model, which is out of scope here.
func rewriteContent(content string) string {
	lines := strings.Split(content, "\n\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n\n")
}

func splitContent(content string) (string, string) {
	parts := strings.Split(content, "\n\n")
	if len(parts) < 2 {
		return content, ""
	}
	mid := len(parts) / 2
	return strings.Join(parts[:mid], "\n\n"), strings.Join(parts[mid:], "\n\n")
}

func describe(step model.PlanStep, fallback string) string {
	if d := step.Describe(); d != "" {
		return d
	}
	return fallback
}
