// Package diff derives preview diffs from a plan without mutating documents.
package diff

import (
	"context"
	"fmt"

	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/model"
)

// previewVerifier produces deterministic placeholder references so that
// synthesis never blocks on external lookups.
type previewVerifier struct{}

func (previewVerifier) Lookup(_ context.Context, query string, count int) ([]document.Reference, error) {
	refs := make([]document.Reference, 0, count)
	for i := 0; i < count; i++ {
		refs = append(refs, document.Reference{
			ID:   fmt.Sprintf("pending-%d", i+1),
			Text: fmt.Sprintf("reference pending verification for %q", query),
		})
	}
	return refs, nil
}

// Synthesize projects a plan onto the snapshot it was planned against and
// returns the diffs the user reviews before committing. It is a pure
// function of plan and snapshot: the snapshot is never mutated and two
// calls with the same inputs yield identical output. Steps referencing
// entities absent from the snapshot produce a flagging diff instead of an
// error; synthesis never fails.
func Synthesize(plan model.Plan, snap *document.Snapshot) []model.DiffItem {
	state := snap.Clone()
	out := make([]model.DiffItem, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		next, diffs, err := document.ApplyStep(context.Background(), state, step, previewVerifier{})
		if err != nil {
			out = append(out, model.DiffItem{
				Path:        "plan/" + step.StepID(),
				StepID:      step.StepID(),
				Kind:        model.DiffModify,
				Category:    step.Category(),
				Description: fmt.Sprintf("unresolvable reference in step %s: %v", step.StepID(), err),
			})
			continue
		}
		state = next
		out = append(out, diffs...)
	}
	return out
}
