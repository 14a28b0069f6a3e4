package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dbpkg "github.com/poer2023/CHANGE-sub002/internal/db"
	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/engine"
	"github.com/poer2023/CHANGE-sub002/internal/ledger"
	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/poer2023/CHANGE-sub002/internal/planner"
	"github.com/poer2023/CHANGE-sub002/internal/recipe"
	"github.com/poer2023/CHANGE-sub002/internal/undo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlanner returns a canned plan for any command.
type fakePlanner struct {
	plan model.Plan
	err  error
}

func (f *fakePlanner) Plan(_ context.Context, req planner.Request) (model.Plan, error) {
	if f.err != nil {
		return model.Plan{}, f.err
	}
	plan := f.plan
	plan.CommandID = req.Command.ID
	return plan, nil
}

func newTestService(t *testing.T, p planner.Planner) (*Service, *ledger.Ledger, document.Store) {
	t.Helper()

	db, err := dbpkg.Open(filepath.Join(t.TempDir(), "agentd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	docs := document.NewMemoryStore()
	require.NoError(t, docs.Put(context.Background(), &document.Snapshot{
		ID:            "doc-1",
		CitationStyle: "gbt",
		Sections: []document.Section{
			{ID: "sec-a", Title: "Introduction", Level: 1, Content: "Opening."},
			{ID: "sec-b", Title: "Methods", Level: 1, Content: "Steps."},
		},
	}))

	locks := document.NewLockTable()
	led := ledger.New(db)
	eng := engine.New(docs, nil, locks, time.Second)
	svc := New(p, eng, led, undo.New(led, docs, locks), recipe.NewStore(db), docs)
	return svc, led, docs
}

func cannedPlan(steps ...model.PlanStep) model.Plan {
	return model.Plan{
		ID:         "plan-1",
		SnapshotID: "doc-1",
		Scope:      model.Scope{Kind: model.ScopeDocument},
		Steps:      steps,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestPlanCommandReturnsPreview(t *testing.T) {
	t.Parallel()

	p := &fakePlanner{plan: cannedPlan(
		model.CitationStyleStep{ID: "s1", Style: "apa"},
		model.RewriteStep{ID: "s2", SectionID: "sec-a", Tone: "formal"},
	)}
	svc, led, docs := newTestService(t, p)
	ctx := context.Background()

	out, err := svc.PlanCommand(ctx, "switch to APA and polish the intro", model.Scope{Kind: model.ScopeDocument}, "doc-1", "")
	require.NoError(t, err)
	assert.Equal(t, "plan-1", out.Plan.ID)
	assert.NotEmpty(t, out.Command.ID)
	assert.Len(t, out.PreviewDiffs, 2)

	// Planning is read-only.
	snap, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "gbt", snap.CitationStyle)

	ops, err := led.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ops, "nothing is recorded until apply")
}

func TestPlanCommandPlannerFailure(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakePlanner{err: fmt.Errorf("planner unavailable")})

	_, err := svc.PlanCommand(context.Background(), "do things", model.Scope{Kind: model.ScopeDocument}, "doc-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planner unavailable")
}

func TestApplyPlanFullLifecycle(t *testing.T) {
	t.Parallel()

	p := &fakePlanner{plan: cannedPlan(model.CitationStyleStep{ID: "s1", Style: "apa"})}
	svc, led, docs := newTestService(t, p)
	ctx := context.Background()

	out, err := svc.PlanCommand(ctx, "switch to APA", model.Scope{Kind: model.ScopeDocument}, "doc-1", "")
	require.NoError(t, err)

	applied, err := svc.ApplyPlan(ctx, out.Plan.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, applied.Result.Status)
	assert.Equal(t, []string{"s1"}, applied.Result.CompletedSteps)
	require.NotNil(t, applied.AuditEntry.Result)
	assert.True(t, applied.AuditEntry.Reversible)

	snap, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "apa", snap.CitationStyle)

	ops, err := led.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	// A plan is consumed by apply and cannot run twice.
	_, err = svc.ApplyPlan(ctx, out.Plan.ID, nil)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestApplyPlanConcurrentCallsConsumeOnce(t *testing.T) {
	t.Parallel()

	p := &fakePlanner{plan: cannedPlan(model.CitationStyleStep{ID: "s1", Style: "apa"})}
	svc, led, _ := newTestService(t, p)
	ctx := context.Background()

	out, err := svc.PlanCommand(ctx, "switch to APA", model.Scope{Kind: model.ScopeDocument}, "doc-1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ApplyPlan(ctx, out.Plan.ID, nil)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
		} else {
			assert.ErrorIs(t, err, ErrPlanNotFound)
		}
	}
	assert.Equal(t, 1, applied, "one accepted plan yields one apply")

	// And one audit entry.
	ops, err := led.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestApplyPlanBlockedByRequirements(t *testing.T) {
	t.Parallel()

	blocked := cannedPlan(model.ReferenceStep{ID: "s1", SectionID: "sec-a", Query: "q", Count: 1})
	blocked.Requires = []model.Requirement{{Key: "verified_sources"}}
	svc, led, _ := newTestService(t, &fakePlanner{plan: blocked})
	ctx := context.Background()

	out, err := svc.PlanCommand(ctx, "add references", model.Scope{Kind: model.ScopeDocument}, "doc-1", "")
	require.NoError(t, err)
	assert.Len(t, out.Requirements, 1)

	_, err = svc.ApplyPlan(ctx, out.Plan.ID, nil)
	assert.ErrorIs(t, err, engine.ErrBlockedByRequirements)

	// Rejected before anything lands in the ledger.
	ops, err := led.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestApplyPlanUnknownID(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakePlanner{plan: cannedPlan()})
	_, err := svc.ApplyPlan(context.Background(), "plan-ghost", nil)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestUndoThroughService(t *testing.T) {
	t.Parallel()

	p := &fakePlanner{plan: cannedPlan(model.CitationStyleStep{ID: "s1", Style: "apa"})}
	svc, _, docs := newTestService(t, p)
	ctx := context.Background()

	out, err := svc.PlanCommand(ctx, "switch to APA", model.Scope{Kind: model.ScopeDocument}, "doc-1", "")
	require.NoError(t, err)
	applied, err := svc.ApplyPlan(ctx, out.Plan.ID, nil)
	require.NoError(t, err)

	reverted, err := svc.UndoOperation(ctx, applied.AuditEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, applied.AuditEntry.ID, reverted.OperationID)

	snap, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "gbt", snap.CitationStyle)

	history, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Reverted)
}

func TestImportPlanValidates(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakePlanner{plan: cannedPlan()})

	bad := cannedPlan(
		model.RewriteStep{ID: "s1", SectionID: "sec-a", Tone: "formal"},
		model.RewriteStep{ID: "s1", SectionID: "sec-b", Tone: "formal"},
	)
	bad.CommandID = "cmd-1"
	err := svc.ImportPlan(model.AgentCommand{ID: "cmd-1"}, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")

	good := cannedPlan(model.CitationStyleStep{ID: "s1", Style: "apa"})
	good.CommandID = "cmd-1"
	require.NoError(t, svc.ImportPlan(model.AgentCommand{ID: "cmd-1"}, good))

	applied, err := svc.ApplyPlan(context.Background(), good.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, applied.Result.Status)
}

func TestSaveAndUseRecipe(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakePlanner{plan: cannedPlan()})
	ctx := context.Background()

	rec, err := svc.SaveRecipe(ctx, "polish", "rewrite the intro formally", []string{"style"})
	require.NoError(t, err)

	used, err := svc.UseRecipe(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, used.UsageCount)
	assert.Equal(t, "rewrite the intro formally", used.Template)

	recipes, err := svc.ListRecipes(ctx)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
}
