package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	refs []document.Reference
	err  error
}

func (s stubVerifier) Lookup(_ context.Context, _ string, _ int) ([]document.Reference, error) {
	return s.refs, s.err
}

func newTestEngine(t *testing.T, verifier document.Verifier) (*Engine, document.Store) {
	t.Helper()
	docs := document.NewMemoryStore()
	snap := &document.Snapshot{
		ID:            "doc-1",
		CitationStyle: "gbt",
		Sections: []document.Section{
			{ID: "sec-a", Title: "Introduction", Level: 1, Content: "Opening."},
			{ID: "sec-b", Title: "Methods", Level: 1, Content: "Steps."},
		},
		Tables: []document.Table{{ID: "tbl-1", Caption: "Data"}},
	}
	require.NoError(t, docs.Put(context.Background(), snap))
	return New(docs, verifier, document.NewLockTable(), time.Second), docs
}

func testPlan(steps ...model.PlanStep) model.Plan {
	return model.Plan{ID: "plan-1", CommandID: "cmd-1", SnapshotID: "doc-1", Steps: steps}
}

func TestApplyAllStepsSucceed(t *testing.T) {
	t.Parallel()

	eng, docs := newTestEngine(t, stubVerifier{})
	plan := testPlan(
		model.CitationStyleStep{ID: "s1", Style: "apa"},
		model.StructureStep{ID: "s2", Op: model.OpLevel, FromID: "sec-b", LevelDelta: 1},
	)

	result, err := eng.Apply(context.Background(), plan, "doc-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, []string{"s1", "s2"}, result.CompletedSteps)
	assert.Empty(t, result.FailedSteps)
	require.Len(t, result.Diffs, 2)

	snap, err := docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "apa", snap.CitationStyle)
	assert.Equal(t, 2, snap.Sections[1].Level)
}

func TestApplyContinuesPastFailedStep(t *testing.T) {
	t.Parallel()

	eng, docs := newTestEngine(t, stubVerifier{})
	plan := testPlan(
		model.CitationStyleStep{ID: "s1", Style: "apa"},
		model.RewriteStep{ID: "s2", SectionID: "sec-ghost", Tone: "formal"},
		model.StructureStep{ID: "s3", Op: model.OpLevel, FromID: "sec-b", LevelDelta: 1},
	)

	result, err := eng.Apply(context.Background(), plan, "doc-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, result.Status)
	assert.Equal(t, []string{"s1", "s3"}, result.CompletedSteps)
	require.Len(t, result.FailedSteps, 1)
	assert.Equal(t, "s2", result.FailedSteps[0].StepID)
	assert.False(t, result.FailedSteps[0].Retryable)

	// Completed and failed sets stay disjoint.
	for _, failure := range result.FailedSteps {
		assert.False(t, result.Completed(failure.StepID))
	}

	snap, err := docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "apa", snap.CitationStyle)
	assert.Equal(t, 2, snap.Sections[1].Level)
}

func TestApplyAllStepsFail(t *testing.T) {
	t.Parallel()

	eng, docs := newTestEngine(t, stubVerifier{err: fmt.Errorf("planner down")})
	plan := testPlan(
		model.ReferenceStep{ID: "s1", SectionID: "sec-a", Query: "q", Count: 1},
		model.RewriteStep{ID: "s2", SectionID: "sec-ghost", Tone: "formal"},
	)

	result, err := eng.Apply(context.Background(), plan, "doc-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, result.Status)
	assert.Empty(t, result.CompletedSteps)
	require.Len(t, result.FailedSteps, 2)
	assert.True(t, result.FailedSteps[0].Retryable)
	assert.False(t, result.FailedSteps[1].Retryable)

	// Nothing committed, so the stored snapshot is untouched.
	snap, err := docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "gbt", snap.CitationStyle)
	assert.Empty(t, snap.References)
}

func TestApplyRejectsPlanWithRequirements(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, stubVerifier{})
	plan := testPlan(model.CitationStyleStep{ID: "s1", Style: "apa"})
	plan.Requires = []model.Requirement{{Key: "verified_sources", Description: "no verified sources on file"}}

	_, err := eng.Apply(context.Background(), plan, "doc-1", nil)
	assert.ErrorIs(t, err, ErrBlockedByRequirements)
}

func TestApplyAcceptStepsFilters(t *testing.T) {
	t.Parallel()

	eng, docs := newTestEngine(t, stubVerifier{})
	plan := testPlan(
		model.CitationStyleStep{ID: "s1", Style: "apa"},
		model.StructureStep{ID: "s2", Op: model.OpLevel, FromID: "sec-b", LevelDelta: 1},
	)

	// Unknown accepted ids are ignored, not failed.
	result, err := eng.Apply(context.Background(), plan, "doc-1", []string{"s2", "s-ghost"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, []string{"s2"}, result.CompletedSteps)
	assert.Empty(t, result.FailedSteps)

	snap, err := docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "gbt", snap.CitationStyle, "skipped step must not run")
	assert.Equal(t, 2, snap.Sections[1].Level)
}

func TestApplyCancelledBeforeAnyStep(t *testing.T) {
	t.Parallel()

	eng, docs := newTestEngine(t, stubVerifier{})
	plan := testPlan(
		model.CitationStyleStep{ID: "s1", Style: "apa"},
		model.StructureStep{ID: "s2", Op: model.OpLevel, FromID: "sec-b", LevelDelta: 1},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := eng.Apply(ctx, plan, "doc-1", nil)
	require.NoError(t, err)
	// A cancelled apply must never look like a full commit.
	assert.NotEqual(t, model.StatusSuccess, result.Status)
	assert.Equal(t, model.StatusPartial, result.Status)
	assert.Empty(t, result.CompletedSteps)
	assert.Empty(t, result.FailedSteps, "unattempted steps are not failures")

	snap, err := docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "gbt", snap.CitationStyle)
}

func TestApplyDependentStepFailsWhenPrerequisiteFailed(t *testing.T) {
	t.Parallel()

	eng, docs := newTestEngine(t, stubVerifier{})
	// The split fails, so the section it would have created never exists and
	// the rewrite aimed at it must fail too, cleanly.
	plan := testPlan(
		model.StructureStep{ID: "s1", Op: model.OpSplit, FromID: "sec-ghost", NewTitles: []string{"One", "Two"}},
		model.RewriteStep{ID: "s2", SectionID: "sec-ghost-2", Tone: "formal"},
	)

	result, err := eng.Apply(context.Background(), plan, "doc-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, result.Status)
	assert.Empty(t, result.CompletedSteps)
	require.Len(t, result.FailedSteps, 2)
	assert.Equal(t, "s1", result.FailedSteps[0].StepID)
	assert.Equal(t, "s2", result.FailedSteps[1].StepID)
	assert.False(t, result.FailedSteps[1].Retryable)

	snap, err := docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, snap.Sections, 2)
	assert.Equal(t, "Opening.", snap.Sections[0].Content)
}

func TestConcurrentAppliesOnSameSnapshotSerialize(t *testing.T) {
	t.Parallel()

	eng, docs := newTestEngine(t, stubVerifier{})
	planA := model.Plan{ID: "plan-a", CommandID: "cmd-a", SnapshotID: "doc-1", Steps: []model.PlanStep{
		model.StructureStep{ID: "a1", Op: model.OpLevel, FromID: "sec-a", LevelDelta: 1},
	}}
	planB := model.Plan{ID: "plan-b", CommandID: "cmd-b", SnapshotID: "doc-1", Steps: []model.PlanStep{
		model.StructureStep{ID: "b1", Op: model.OpLevel, FromID: "sec-a", LevelDelta: 1},
	}}

	var wg sync.WaitGroup
	results := make([]model.ExecutionResult, 2)
	errs := make([]error, 2)
	for i, plan := range []model.Plan{planA, planB} {
		wg.Add(1)
		go func(i int, plan model.Plan) {
			defer wg.Done()
			results[i], errs[i] = eng.Apply(context.Background(), plan, "doc-1", nil)
		}(i, plan)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, model.StatusSuccess, results[0].Status)
	assert.Equal(t, model.StatusSuccess, results[1].Status)

	// The second apply saw the first one's mutation; neither increment was
	// lost to a stale read.
	snap, err := docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Sections[0].Level)
}

func TestApplyCollectsRefsAndFigures(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, stubVerifier{refs: []document.Reference{
		{ID: "ref-1", Text: "Smith 2024", Verified: true},
	}})
	plan := testPlan(
		model.ReferenceStep{ID: "s1", SectionID: "sec-a", Query: "q", Count: 1},
		model.FigureStep{ID: "s2", TableID: "tbl-1"},
	)

	result, err := eng.Apply(context.Background(), plan, "doc-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, []string{"ref-1"}, result.UpdatedRefs)
	assert.Equal(t, []string{"fig-tbl-1"}, result.Figures)
}

func TestApplyMissingSnapshot(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, stubVerifier{})
	plan := testPlan(model.CitationStyleStep{ID: "s1", Style: "apa"})

	_, err := eng.Apply(context.Background(), plan, "doc-ghost", nil)
	assert.Error(t, err)
}
