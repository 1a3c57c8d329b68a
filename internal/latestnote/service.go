package latestnote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sharkey-go/latestnote/internal/notes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	loggerName = "LatestNoteService"
	tracerName = "github.com/sharkey-go/latestnote/internal/latestnote"

	opServiceNew   = "latestnote.service.new"
	opCreated      = "latestnote.handle_created"
	opDeleted      = "latestnote.handle_deleted"
	opUpdated      = "latestnote.handle_updated"
	opRebuildUser  = "latestnote.rebuild_user"
	fieldOperation = "operation"
	fieldNoteID    = "note_id"
	fieldUserID    = "user_id"
	fieldOutcome   = "outcome"
	reasonLookup   = "lookup_failed"
	reasonWrite    = "write_failed"
	reasonBackfill = "backfill_query_failed"
)

var (
	errMissingProjectionStore = errors.New("projection store is required")
	errMissingNoteFinder      = errors.New("note finder is required")
	noOpLogger                = zap.NewNop()
)

// Outcome names what a lifecycle handler did to the projection.
type Outcome string

const (
	OutcomeSkippedDM           Outcome = "skipped_dm"
	OutcomeSkippedPureRenote   Outcome = "skipped_pure_renote"
	OutcomeSkippedStale        Outcome = "skipped_stale"
	OutcomeSkippedNotLatest    Outcome = "skipped_not_latest"
	OutcomeSkippedUnchangedKey Outcome = "skipped_unchanged_key"
	OutcomeRecorded            Outcome = "recorded"
	OutcomeBackfilled          Outcome = "backfilled"
	OutcomeBackfillLostRace    Outcome = "backfill_lost_race"
	OutcomeDangling            Outcome = "dangling"
	OutcomePruned              Outcome = "pruned"
)

// Changed reports whether the outcome wrote to the projection.
func (outcome Outcome) Changed() bool {
	switch outcome {
	case OutcomeRecorded, OutcomeBackfilled, OutcomePruned:
		return true
	default:
		return false
	}
}

// EditOutcome carries the outcomes of the removal and creation halves of an edit. Both are
// OutcomeSkippedUnchangedKey when the edit kept the key.
type EditOutcome struct {
	Removal  Outcome
	Creation Outcome
}

// Change describes a committed projection write. NoteID is empty when the row was pruned.
type Change struct {
	Key     Key
	NoteID  string
	Outcome Outcome
}

// ChangeObserver is notified after every projection write. Implementations must not block.
type ChangeObserver interface {
	OnProjectionChanged(change Change)
}

// ProjectionStore is the persistence the handlers need. *Store satisfies it.
type ProjectionStore interface {
	FindByKey(ctx context.Context, key Key) (LatestNote, bool, error)
	FindByUser(ctx context.Context, userID string) ([]LatestNote, error)
	ExistsForUser(ctx context.Context, userID string) (bool, error)
	UpsertNewer(ctx context.Context, row LatestNote) (bool, error)
	InsertIgnoringConflict(ctx context.Context, row LatestNote) (bool, error)
	ReplaceIfPointsTo(ctx context.Context, key Key, expected, replacement string) (bool, error)
	DeleteIfPointsTo(ctx context.Context, key Key, noteID string) (bool, error)
}

// NoteFinder runs the backfill query against the note table. *notes.Store satisfies it.
type NoteFinder interface {
	FindLatestEligible(ctx context.Context, criteria notes.EligibilityCriteria, beforeID string) (notes.Note, bool, error)
}

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

type ServiceConfig struct {
	Store         ProjectionStore
	Notes         NoteFinder
	PruneDangling bool
	Observer      ChangeObserver
	Metrics       *Metrics
	Scheduler     *Scheduler
	Logger        *zap.Logger
	Tracer        trace.Tracer
}

// Service keeps the latest_note projection in step with note lifecycle events.
type Service struct {
	store         ProjectionStore
	notes         NoteFinder
	pruneDangling bool
	observer      ChangeObserver
	metrics       *Metrics
	scheduler     *Scheduler
	logger        *zap.Logger
	tracer        trace.Tracer
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingProjectionStore)
	}
	if cfg.Notes == nil {
		return nil, newServiceError(opServiceNew, "missing_note_finder", errMissingNoteFinder)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	logger = logger.Named(loggerName)

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewScheduler(SchedulerConfig{Logger: logger, Metrics: cfg.Metrics})
	}

	return &Service{
		store:         cfg.Store,
		notes:         cfg.Notes,
		pruneDangling: cfg.PruneDangling,
		observer:      cfg.Observer,
		metrics:       cfg.Metrics,
		scheduler:     scheduler,
		logger:        logger,
		tracer:        tracer,
	}, nil
}

// Scheduler returns the worker pool used by the background variants.
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// ExistsForUser reports whether the user has a latest note under any key.
func (s *Service) ExistsForUser(ctx context.Context, userID string) (bool, error) {
	return s.store.ExistsForUser(ctx, userID)
}

// HandleCreatedNote records note as the latest under its key unless a note with an equal or
// greater id is already recorded.
func (s *Service) HandleCreatedNote(ctx context.Context, note notes.Note) (outcome Outcome, err error) {
	ctx, finish := s.begin(ctx, opCreated, note)
	defer func() { finish(outcome, err) }()

	if skipped, ok := skipIneligible(note); ok {
		return skipped, nil
	}
	key := KeyFor(note)

	current, found, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return "", newServiceError(opCreated, reasonLookup, err)
	}
	if found && current.NoteID >= note.ID {
		return OutcomeSkippedStale, nil
	}

	written, err := s.store.UpsertNewer(ctx, NewRow(key, note.ID))
	if err != nil {
		return "", newServiceError(opCreated, reasonWrite, err)
	}
	if !written {
		// A newer note was recorded between the lookup and the write.
		return OutcomeSkippedStale, nil
	}
	s.notify(Change{Key: key, NoteID: note.ID, Outcome: OutcomeRecorded})
	return OutcomeRecorded, nil
}

// HandleDeletedNote repairs the projection after note was deleted or made private. Nothing
// happens unless note is the recorded latest for its key, in which case the next most recent
// eligible note is backfilled.
func (s *Service) HandleDeletedNote(ctx context.Context, note notes.Note) (outcome Outcome, err error) {
	ctx, finish := s.begin(ctx, opDeleted, note)
	defer func() { finish(outcome, err) }()

	if skipped, ok := skipIneligible(note); ok {
		return skipped, nil
	}
	key := KeyFor(note)

	current, found, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return "", newServiceError(opDeleted, reasonLookup, err)
	}
	if !found || current.NoteID != note.ID {
		return OutcomeSkippedNotLatest, nil
	}

	candidate, found, err := s.notes.FindLatestEligible(ctx, key.Criteria(), note.ID)
	if err != nil {
		return "", newServiceError(opDeleted, reasonBackfill, err)
	}
	if !found {
		return s.resolveDangling(ctx, key, note.ID)
	}

	replaced, err := s.store.ReplaceIfPointsTo(ctx, key, note.ID, candidate.ID)
	if err != nil {
		return "", newServiceError(opDeleted, reasonWrite, err)
	}
	if !replaced {
		// The row moved on or disappeared since the lookup; only fill a gap, never overwrite.
		inserted, err := s.store.InsertIgnoringConflict(ctx, NewRow(key, candidate.ID))
		if err != nil {
			return "", newServiceError(opDeleted, reasonWrite, err)
		}
		if !inserted {
			return OutcomeBackfillLostRace, nil
		}
	}
	s.notify(Change{Key: key, NoteID: candidate.ID, Outcome: OutcomeBackfilled})
	return OutcomeBackfilled, nil
}

// HandleUpdatedNote treats an edit that changes the key as removal of before followed by
// creation of after. Direct messages share the non-public key with home and followers notes, so
// an edit into or out of a direct message is handled the same way.
func (s *Service) HandleUpdatedNote(ctx context.Context, before, after notes.Note) (EditOutcome, error) {
	if AreEquivalent(before, after) && IsEligible(before) == IsEligible(after) {
		s.metrics.observeOutcome(opUpdated, OutcomeSkippedUnchangedKey, time.Now())
		return EditOutcome{Removal: OutcomeSkippedUnchangedKey, Creation: OutcomeSkippedUnchangedKey}, nil
	}

	removal, err := s.HandleDeletedNote(ctx, before)
	if err != nil {
		return EditOutcome{Removal: removal}, err
	}
	creation, err := s.HandleCreatedNote(ctx, after)
	if err != nil {
		return EditOutcome{Removal: removal, Creation: creation}, err
	}
	return EditOutcome{Removal: removal, Creation: creation}, nil
}

// HandleCreatedNoteBG schedules HandleCreatedNote without waiting for it.
func (s *Service) HandleCreatedNoteBG(note notes.Note) bool {
	return s.scheduler.Submit(Task{
		Operation: opCreated,
		NoteID:    note.ID,
		Run: func(ctx context.Context) error {
			_, err := s.HandleCreatedNote(ctx, note)
			return err
		},
	})
}

// HandleDeletedNoteBG schedules HandleDeletedNote without waiting for it.
func (s *Service) HandleDeletedNoteBG(note notes.Note) bool {
	return s.scheduler.Submit(Task{
		Operation: opDeleted,
		NoteID:    note.ID,
		Run: func(ctx context.Context) error {
			_, err := s.HandleDeletedNote(ctx, note)
			return err
		},
	})
}

// HandleUpdatedNoteBG schedules HandleUpdatedNote without waiting for it.
func (s *Service) HandleUpdatedNoteBG(before, after notes.Note) bool {
	return s.scheduler.Submit(Task{
		Operation: opUpdated,
		NoteID:    after.ID,
		Run: func(ctx context.Context) error {
			_, err := s.HandleUpdatedNote(ctx, before, after)
			return err
		},
	})
}

// OnNoteCreated implements notes.LifecycleHooks.
func (s *Service) OnNoteCreated(note notes.Note) {
	s.HandleCreatedNoteBG(note)
}

// OnNoteRemoved implements notes.LifecycleHooks.
func (s *Service) OnNoteRemoved(note notes.Note) {
	s.HandleDeletedNoteBG(note)
}

// OnNoteEdited implements notes.LifecycleHooks.
func (s *Service) OnNoteEdited(before, after notes.Note) {
	s.HandleUpdatedNoteBG(before, after)
}

func (s *Service) resolveDangling(ctx context.Context, key Key, removedID string) (Outcome, error) {
	if !s.pruneDangling {
		return OutcomeDangling, nil
	}
	deleted, err := s.store.DeleteIfPointsTo(ctx, key, removedID)
	if err != nil {
		return "", newServiceError(opDeleted, reasonWrite, err)
	}
	if !deleted {
		return OutcomeBackfillLostRace, nil
	}
	s.notify(Change{Key: key, Outcome: OutcomePruned})
	return OutcomePruned, nil
}

func skipIneligible(note notes.Note) (Outcome, bool) {
	if note.Visibility == notes.VisibilitySpecified {
		return OutcomeSkippedDM, true
	}
	if note.IsPureRenote() {
		return OutcomeSkippedPureRenote, true
	}
	return "", false
}

func (s *Service) begin(ctx context.Context, operation string, note notes.Note) (context.Context, func(Outcome, error)) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String(fieldNoteID, note.ID),
		attribute.String(fieldUserID, note.UserID),
	))
	return ctx, func(outcome Outcome, err error) {
		defer span.End()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetAttributes(attribute.String(fieldOutcome, string(outcome)))
		s.metrics.observeOutcome(operation, outcome, started)
		if ce := s.logger.Check(zap.DebugLevel, "projection handled"); ce != nil {
			ce.Write(
				zap.String(fieldOperation, operation),
				zap.String(fieldNoteID, note.ID),
				zap.String(fieldOutcome, string(outcome)),
			)
		}
	}
}

func (s *Service) notify(change Change) {
	if s.observer == nil {
		return
	}
	s.observer.OnProjectionChanged(change)
}
