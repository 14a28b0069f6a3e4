// Package undo reverts the committed diffs of a recorded operation.
package undo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/ledger"
	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/rs/zerolog/log"
)

// Undo error taxonomy.
var (
	ErrAlreadyReverted  = errors.New("operation already reverted")
	ErrNothingToRevert  = errors.New("operation has no committed steps to revert")
	ErrConflictingState = errors.New("document has diverged since the operation applied")
)

// Coordinator reverts all committed diffs of one operation as a single
// all-or-nothing action. Undo has no partial outcome: on any conflict the
// document is left unchanged.
type Coordinator struct {
	ledger *ledger.Ledger
	docs   document.Store
	locks  *document.LockTable
}

// New creates an undo coordinator.
func New(l *ledger.Ledger, docs document.Store, locks *document.LockTable) *Coordinator {
	return &Coordinator{ledger: l, docs: docs, locks: locks}
}

// Reverted describes a successful undo.
type Reverted struct {
	OperationID string           `json:"operation_id"`
	Diffs       []model.DiffItem `json:"diffs"`
	SnapshotID  string           `json:"snapshot_id"`
}

// Undo reverts the committed diffs of the operation in reverse order of
// original application. Failed steps never touched the document and need
// no reversal. On success the operation is stamped reverted.
func (c *Coordinator) Undo(ctx context.Context, operationID string) (Reverted, error) {
	op, err := c.ledger.Get(ctx, operationID)
	if err != nil {
		return Reverted{}, err
	}
	if op.RevertedAt != nil {
		return Reverted{}, fmt.Errorf("operation %s: %w", operationID, ErrAlreadyReverted)
	}
	if op.Result == nil || len(op.Result.CompletedSteps) == 0 {
		return Reverted{}, fmt.Errorf("operation %s: %w", operationID, ErrNothingToRevert)
	}

	snapshotID := op.Plan.SnapshotID
	unlock := c.locks.Lock(snapshotID)
	defer unlock()

	snap, err := c.docs.Get(ctx, snapshotID)
	if err != nil {
		return Reverted{}, fmt.Errorf("load snapshot: %w", err)
	}

	// Revert against a copy; the live snapshot is replaced only when every
	// diff unwinds cleanly.
	work := snap.Clone()
	diffs := op.Result.Diffs
	for i := len(diffs) - 1; i >= 0; i-- {
		if err := document.RevertDiff(work, diffs[i]); err != nil {
			if errors.Is(err, document.ErrConflict) {
				return Reverted{}, fmt.Errorf("revert step %s (%s): %v: %w", diffs[i].StepID, diffs[i].Path, err, ErrConflictingState)
			}
			return Reverted{}, fmt.Errorf("revert step %s (%s): %w", diffs[i].StepID, diffs[i].Path, err)
		}
	}

	if err := c.docs.Put(ctx, work); err != nil {
		return Reverted{}, fmt.Errorf("store snapshot: %w", err)
	}
	if err := c.ledger.MarkReverted(ctx, operationID, time.Now().UTC()); err != nil {
		return Reverted{}, err
	}

	log.Info().
		Str("operation_id", operationID).
		Int("diffs", len(diffs)).
		Msg("operation reverted")
	return Reverted{OperationID: operationID, Diffs: diffs, SnapshotID: snapshotID}, nil
}
