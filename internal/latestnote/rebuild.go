package latestnote

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

var errMissingRebuildUser = newServiceError(opRebuildUser, "missing_user_id", nil)

// RebuildReport counts what a rebuild did per key.
type RebuildReport struct {
	UserID    string
	Recorded  int
	Replaced  int
	Pruned    int
	Unchanged int
}

type RebuilderConfig struct {
	Store         ProjectionStore
	Notes         NoteFinder
	PruneDangling bool
	Metrics       *Metrics
	Logger        *zap.Logger
}

// Rebuilder recomputes a user's projection from the note table. It repairs rows left behind by
// lost events or by the legacy per-user table.
type Rebuilder struct {
	store         ProjectionStore
	notes         NoteFinder
	pruneDangling bool
	metrics       *Metrics
	logger        *zap.Logger
}

func NewRebuilder(cfg RebuilderConfig) (*Rebuilder, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opRebuildUser, "missing_store", errMissingProjectionStore)
	}
	if cfg.Notes == nil {
		return nil, newServiceError(opRebuildUser, "missing_note_finder", errMissingNoteFinder)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Rebuilder{
		store:         cfg.Store,
		notes:         cfg.Notes,
		pruneDangling: cfg.PruneDangling,
		metrics:       cfg.Metrics,
		logger:        logger.Named(loggerName),
	}, nil
}

// RebuildUser points every key of userID at the greatest eligible note id under it. Writes are
// conditional, so a rebuild may run while lifecycle handlers are active.
func (r *Rebuilder) RebuildUser(ctx context.Context, userID string) (RebuildReport, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RebuildReport{}, errMissingRebuildUser
	}

	report := RebuildReport{UserID: userID}
	for _, key := range KeysForUser(userID) {
		if err := r.rebuildKey(ctx, key, &report); err != nil {
			r.logger.Error("rebuild failed",
				zap.String(fieldOperation, opRebuildUser),
				zap.String(fieldUserID, userID),
				zap.Error(err))
			return report, err
		}
	}

	r.metrics.userRebuilt()
	r.logger.Info("projection rebuilt",
		zap.String(fieldUserID, userID),
		zap.Int("recorded", report.Recorded),
		zap.Int("replaced", report.Replaced),
		zap.Int("pruned", report.Pruned),
		zap.Int("unchanged", report.Unchanged))
	return report, nil
}

func (r *Rebuilder) rebuildKey(ctx context.Context, key Key, report *RebuildReport) error {
	// The row is read before the candidate. A note recorded by a concurrent create is committed
	// to the note table before its row, so the candidate is never older than an eligible row.
	current, hasRow, err := r.store.FindByKey(ctx, key)
	if err != nil {
		return newServiceError(opRebuildUser, reasonLookup, err)
	}
	candidate, hasCandidate, err := r.notes.FindLatestEligible(ctx, key.Criteria(), "")
	if err != nil {
		return newServiceError(opRebuildUser, reasonBackfill, err)
	}

	switch {
	case !hasCandidate && !hasRow:
		report.Unchanged++
	case !hasCandidate:
		if !r.pruneDangling {
			report.Unchanged++
			return nil
		}
		deleted, err := r.store.DeleteIfPointsTo(ctx, key, current.NoteID)
		if err != nil {
			return newServiceError(opRebuildUser, reasonWrite, err)
		}
		if deleted {
			report.Pruned++
		} else {
			report.Unchanged++
		}
	case !hasRow:
		written, err := r.store.UpsertNewer(ctx, NewRow(key, candidate.ID))
		if err != nil {
			return newServiceError(opRebuildUser, reasonWrite, err)
		}
		if written {
			report.Recorded++
		} else {
			report.Unchanged++
		}
	case current.NoteID == candidate.ID:
		report.Unchanged++
	case candidate.ID > current.NoteID:
		written, err := r.store.UpsertNewer(ctx, NewRow(key, candidate.ID))
		if err != nil {
			return newServiceError(opRebuildUser, reasonWrite, err)
		}
		if written {
			report.Replaced++
		} else {
			report.Unchanged++
		}
	default:
		// The stored id is greater than every eligible note, so it points at a deleted or
		// reclassified note. Only that exact row is replaced; a row moved on by a concurrent
		// create is left alone and a row removed meanwhile is refilled.
		replaced, err := r.store.ReplaceIfPointsTo(ctx, key, current.NoteID, candidate.ID)
		if err != nil {
			return newServiceError(opRebuildUser, reasonWrite, err)
		}
		if !replaced {
			replaced, err = r.store.InsertIgnoringConflict(ctx, NewRow(key, candidate.ID))
			if err != nil {
				return newServiceError(opRebuildUser, reasonWrite, err)
			}
		}
		if replaced {
			report.Replaced++
		} else {
			report.Unchanged++
		}
	}
	return nil
}
