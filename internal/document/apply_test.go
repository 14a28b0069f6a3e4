package document

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	refs []Reference
	err  error
}

func (f fakeVerifier) Lookup(_ context.Context, _ string, _ int) ([]Reference, error) {
	return f.refs, f.err
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		ID:            "doc-1",
		CitationStyle: "gbt",
		Sections: []Section{
			{ID: "sec-a", Title: "Introduction", Level: 1, Content: "First paragraph.\n\nSecond paragraph."},
			{ID: "sec-b", Title: "Methods", Level: 1, Content: "We measure things."},
			{ID: "sec-c", Title: "Results", Level: 1, Content: "Numbers went up."},
		},
		Tables: []Table{{ID: "tbl-1", Caption: "Raw data"}},
	}
}

func TestApplyStepDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.RewriteStep{ID: "s1", SectionID: "sec-a", Tone: "formal"}

	next, _, err := ApplyStep(context.Background(), snap, step, nil)
	require.NoError(t, err)
	require.NotSame(t, snap, next)
	assert.Equal(t, "First paragraph.\n\nSecond paragraph.", snap.Sections[0].Content)
}

func TestApplyStepStampsDiffsWithStepID(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.StructureStep{
		ID: "s7", Op: model.OpSplit, FromID: "sec-a",
		NewTitles: []string{"One", "Two"},
	}

	_, diffs, err := ApplyStep(context.Background(), snap, step, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	for _, d := range diffs {
		assert.Equal(t, "s7", d.StepID)
	}
}

func TestApplyReorder(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.StructureStep{ID: "s1", Op: model.OpReorder, FromID: "sec-c", ToID: "sec-a"}

	next, diffs, err := ApplyStep(context.Background(), snap, step, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, model.DiffMove, diffs[0].Kind)
	assert.Equal(t, "sec-c", diffs[0].SectionID)

	got := []string{next.Sections[0].ID, next.Sections[1].ID, next.Sections[2].ID}
	assert.Equal(t, []string{"sec-c", "sec-a", "sec-b"}, got)
}

func TestApplyReorderRejectsSelfTarget(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.StructureStep{ID: "s1", Op: model.OpReorder, FromID: "sec-a", ToID: "sec-a"}

	_, _, err := ApplyStep(context.Background(), snap, step, nil)
	assert.Error(t, err)
}

func TestApplySplit(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.StructureStep{
		ID: "s1", Op: model.OpSplit, FromID: "sec-a",
		NewTitles: []string{"Background", "Motivation"},
	}

	next, diffs, err := ApplyStep(context.Background(), snap, step, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, model.DiffModify, diffs[0].Kind)
	assert.Equal(t, model.DiffInsert, diffs[1].Kind)

	require.Len(t, next.Sections, 4)
	assert.Equal(t, "Background", next.Sections[0].Title)
	assert.Equal(t, "First paragraph.", next.Sections[0].Content)
	assert.Equal(t, "sec-a-2", next.Sections[1].ID)
	assert.Equal(t, "Motivation", next.Sections[1].Title)
	assert.Equal(t, "Second paragraph.", next.Sections[1].Content)
}

func TestApplyMerge(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.StructureStep{ID: "s1", Op: model.OpMerge, FromID: "sec-c", ToID: "sec-b"}

	next, diffs, err := ApplyStep(context.Background(), snap, step, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, model.DiffModify, diffs[0].Kind)
	assert.Equal(t, model.DiffDelete, diffs[1].Kind)

	require.Len(t, next.Sections, 2)
	assert.Equal(t, "We measure things.\n\nNumbers went up.", next.Sections[1].Content)
	assert.Equal(t, -1, next.SectionIndex("sec-c"))
}

func TestApplyLevelFloor(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.StructureStep{ID: "s1", Op: model.OpLevel, FromID: "sec-a", LevelDelta: -1}

	_, _, err := ApplyStep(context.Background(), snap, step, nil)
	assert.Error(t, err, "level 1 sections cannot be promoted further")
}

func TestApplyCitationStyle(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.CitationStyleStep{ID: "s1", Style: "apa"}

	next, diffs, err := ApplyStep(context.Background(), snap, step, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "gbt", diffs[0].Before)
	assert.Equal(t, "apa", diffs[0].After)
	assert.Equal(t, model.CategoryFormat, diffs[0].Category)
	assert.Equal(t, "apa", next.CitationStyle)
}

func TestApplyFigure(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.FigureStep{ID: "s1", TableID: "tbl-1", AfterSectionID: "sec-c"}

	next, diffs, err := ApplyStep(context.Background(), snap, step, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "figures/fig-tbl-1", diffs[0].Path)
	assert.Equal(t, model.CategoryFigure, diffs[0].Category)

	require.Len(t, next.Figures, 1)
	assert.Equal(t, "fig-tbl-1", next.Figures[0].ID)
	assert.Equal(t, "Raw data", next.Figures[0].Caption)

	// Generating a second figure from the same table collides.
	_, _, err = ApplyStep(context.Background(), next, step, nil)
	assert.Error(t, err)
}

func TestApplyFigureMissingTable(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.FigureStep{ID: "s1", TableID: "tbl-ghost"}

	_, _, err := ApplyStep(context.Background(), snap, step, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRetryable), "missing entities are permanent failures")
}

func TestApplyReferenceAddsVerifiedRefs(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	verifier := fakeVerifier{refs: []Reference{
		{ID: "ref-1", Text: "Smith 2024", Verified: true},
		{ID: "ref-2", Text: "Zhang 2025", Verified: true},
	}}
	step := model.ReferenceStep{ID: "s1", SectionID: "sec-b", Query: "measurement", Count: 2}

	next, diffs, err := ApplyStep(context.Background(), snap, step, verifier)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "references/ref-1", diffs[0].Path)
	require.Len(t, next.References, 2)
}

func TestApplyReferenceFailureIsRetryable(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	step := model.ReferenceStep{ID: "s1", SectionID: "sec-b", Query: "measurement", Count: 2}

	for _, verifier := range []Verifier{
		fakeVerifier{err: fmt.Errorf("upstream 503")},
		fakeVerifier{err: context.DeadlineExceeded},
		nil,
	} {
		_, _, err := ApplyStep(context.Background(), snap, step, verifier)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryable)
	}
}

func TestMemoryStoreClonesOnGetAndPut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	snap := testSnapshot()
	require.NoError(t, store.Put(ctx, snap))

	snap.Sections[0].Title = "mutated after put"

	got, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Introduction", got.Sections[0].Title)

	got.Sections[0].Title = "mutated after get"
	again, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Introduction", again.Sections[0].Title)
}
