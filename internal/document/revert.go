package document

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/poer2023/CHANGE-sub002/internal/model"
)

// ErrConflict means the document no longer matches the recorded diff and
// the change cannot be safely reverted.
var ErrConflict = errors.New("document state conflicts with recorded diff")

// RevertDiff undoes one recorded diff in place. The snapshot is mutated
// only when the revert succeeds; a conflict leaves it untouched.
func RevertDiff(snap *Snapshot, d model.DiffItem) error {
	switch d.Kind {
	case model.DiffModify:
		return revertModify(snap, d)
	case model.DiffInsert:
		return revertInsert(snap, d)
	case model.DiffDelete:
		return revertDelete(snap, d)
	case model.DiffMove:
		return revertMove(snap, d)
	}
	return fmt.Errorf("unsupported diff kind %q", d.Kind)
}

func revertModify(snap *Snapshot, d model.DiffItem) error {
	switch d.Category {
	case model.CategoryFormat:
		if snap.CitationStyle != d.After {
			return fmt.Errorf("citation style changed since operation: %w", ErrConflict)
		}
		snap.CitationStyle = d.Before
		return nil
	case model.CategoryContent:
		idx := snap.SectionIndex(d.SectionID)
		if idx < 0 {
			return fmt.Errorf("section %s missing: %w", d.SectionID, ErrConflict)
		}
		if snap.Sections[idx].Content != d.After {
			return fmt.Errorf("section %s content changed since operation: %w", d.SectionID, ErrConflict)
		}
		snap.Sections[idx].Content = d.Before
		return nil
	case model.CategoryStructure:
		idx := snap.SectionIndex(d.SectionID)
		if idx < 0 {
			return fmt.Errorf("section %s missing: %w", d.SectionID, ErrConflict)
		}
		if encodeSection(snap.Sections[idx]) != d.After {
			return fmt.Errorf("section %s changed since operation: %w", d.SectionID, ErrConflict)
		}
		restored, err := decodeSection(d.Before)
		if err != nil {
			return err
		}
		snap.Sections[idx] = restored
		return nil
	}
	return fmt.Errorf("unsupported modify category %q", d.Category)
}

func revertInsert(snap *Snapshot, d model.DiffItem) error {
	switch d.Category {
	case model.CategoryStructure:
		idx := snap.SectionIndex(d.SectionID)
		if idx < 0 {
			return fmt.Errorf("inserted section %s missing: %w", d.SectionID, ErrConflict)
		}
		if encodeSection(snap.Sections[idx]) != d.After {
			return fmt.Errorf("inserted section %s changed since operation: %w", d.SectionID, ErrConflict)
		}
		snap.Sections = append(snap.Sections[:idx:idx], snap.Sections[idx+1:]...)
		return nil
	case model.CategoryFigure:
		id := strings.TrimPrefix(d.Path, "figures/")
		for i := range snap.Figures {
			if snap.Figures[i].ID == id {
				snap.Figures = append(snap.Figures[:i:i], snap.Figures[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("inserted figure %s missing: %w", id, ErrConflict)
	case model.CategoryReference:
		id := strings.TrimPrefix(d.Path, "references/")
		for i := range snap.References {
			if snap.References[i].ID == id {
				snap.References = append(snap.References[:i:i], snap.References[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("inserted reference %s missing: %w", id, ErrConflict)
	}
	return fmt.Errorf("unsupported insert category %q", d.Category)
}

func revertDelete(snap *Snapshot, d model.DiffItem) error {
	if d.Category != model.CategoryStructure {
		return fmt.Errorf("unsupported delete category %q", d.Category)
	}
	if snap.SectionIndex(d.SectionID) >= 0 {
		return fmt.Errorf("section %s reappeared since operation: %w", d.SectionID, ErrConflict)
	}
	restored, err := decodeSection(d.Before)
	if err != nil {
		return err
	}
	idx := len(snap.Sections)
	if raw := strings.TrimPrefix(d.Path, "sections/"); raw != d.Path {
		if parsed, perr := strconv.Atoi(raw); perr == nil && parsed < idx {
			idx = parsed
		}
	}
	snap.Sections = append(snap.Sections[:idx:idx], append([]Section{restored}, snap.Sections[idx:]...)...)
	return nil
}

func revertMove(snap *Snapshot, d model.DiffItem) error {
	idx := snap.SectionIndex(d.SectionID)
	if idx < 0 {
		return fmt.Errorf("moved section %s missing: %w", d.SectionID, ErrConflict)
	}
	next := ""
	if idx+1 < len(snap.Sections) {
		next = snap.Sections[idx+1].ID
	}
	if next != d.After {
		return fmt.Errorf("section %s moved again since operation: %w", d.SectionID, ErrConflict)
	}
	moved := snap.Sections[idx]
	rest := append(snap.Sections[:idx:idx], snap.Sections[idx+1:]...)
	insert := len(rest)
	if d.Before != "" {
		for i := range rest {
			if rest[i].ID == d.Before {
				insert = i
				break
			}
		}
	}
	snap.Sections = append(rest[:insert:insert], append([]Section{moved}, rest[insert:]...)...)
	return nil
}
