package notes

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errNotOwner          = errors.New("note belongs to another user")
	noOpLogger           = zap.NewNop()
)

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

const (
	opServiceNew   = "notes.service.new"
	opCreateNote   = "notes.create_note"
	opDeleteNote   = "notes.delete_note"
	opMakePrivate  = "notes.make_private"
	opEditNote     = "notes.edit_note"
	opGetNote      = "notes.get_note"
	opListNotes    = "notes.list_notes"
	fieldUserID    = "user_id"
	fieldNoteID    = "note_id"
	reasonNotFound = "not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// LifecycleHooks receives note lifecycle events after they are committed. Implementations must
// not block the caller.
type LifecycleHooks interface {
	OnNoteCreated(note Note)
	OnNoteRemoved(note Note)
	OnNoteEdited(before, after Note)
}

type noOpHooks struct{}

func (noOpHooks) OnNoteCreated(Note) {}
func (noOpHooks) OnNoteRemoved(Note) {}
func (noOpHooks) OnNoteEdited(Note, Note) {}

type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Hooks      LifecycleHooks
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service owns the note table: it creates, deletes, privatizes and edits notes and announces
// each change to its LifecycleHooks.
type Service struct {
	store      *Store
	idProvider IDProvider
	hooks      LifecycleHooks
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	hooks := cfg.Hooks
	if hooks == nil {
		hooks = noOpHooks{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      NewStore(cfg.Database),
		idProvider: cfg.IDProvider,
		hooks:      hooks,
		logger:     logger,
	}, nil
}

// Store exposes the underlying note store for read paths.
func (s *Service) Store() *Store {
	return s.store
}

// CreateNote assigns an id to the draft, persists it and announces the creation.
func (s *Service) CreateNote(ctx context.Context, draft NoteDraft) (Note, error) {
	if s.store == nil {
		return Note{}, newServiceError(opCreateNote, "missing_database", errMissingDatabase)
	}
	if _, err := NewUserID(draft.UserID.String()); err != nil {
		return Note{}, newServiceError(opCreateNote, "invalid_user_id", err)
	}
	visibility, err := ParseVisibility(string(draft.Visibility))
	if err != nil {
		return Note{}, newServiceError(opCreateNote, "invalid_visibility", err)
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String(fieldUserID, draft.UserID.String()))
		return Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}

	note := Note{
		ID:         noteID,
		UserID:     draft.UserID.String(),
		Visibility: visibility,
		ReplyID:    draft.ReplyID,
		RenoteID:   draft.RenoteID,
		Text:       draft.Text,
		CW:         draft.CW,
		HasPoll:    draft.HasPoll,
		FileIDs:    append([]string{}, draft.FileIDs...),
	}
	if err := s.store.Create(ctx, &note); err != nil {
		s.logError(opCreateNote, "insert_failed", err,
			zap.String(fieldUserID, note.UserID),
			zap.String(fieldNoteID, note.ID))
		return Note{}, newServiceError(opCreateNote, "insert_failed", err)
	}

	s.hooks.OnNoteCreated(note)
	return note, nil
}

// DeleteNote removes a note owned by userID and announces the removal.
func (s *Service) DeleteNote(ctx context.Context, userID UserID, noteID NoteID) error {
	note, err := s.loadOwned(ctx, opDeleteNote, userID, noteID)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, userID.String(), noteID.String()); err != nil {
		if errors.Is(err, ErrNoteNotFound) {
			return newServiceError(opDeleteNote, reasonNotFound, err)
		}
		s.logError(opDeleteNote, "delete_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldNoteID, noteID.String()))
		return newServiceError(opDeleteNote, "delete_failed", err)
	}

	s.hooks.OnNoteRemoved(note)
	return nil
}

// MakePrivate downgrades a note to a direct message. The projection treats this as a removal of
// the note as it was before the change. Notes that are already direct messages are left alone.
func (s *Service) MakePrivate(ctx context.Context, userID UserID, noteID NoteID) error {
	note, err := s.loadOwned(ctx, opMakePrivate, userID, noteID)
	if err != nil {
		return err
	}
	if note.Visibility == VisibilitySpecified {
		return nil
	}

	updated := note
	updated.Visibility = VisibilitySpecified
	if err := s.store.Save(ctx, &updated); err != nil {
		s.logError(opMakePrivate, "update_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldNoteID, noteID.String()))
		return newServiceError(opMakePrivate, "update_failed", err)
	}

	s.hooks.OnNoteRemoved(note)
	return nil
}

// EditNote applies the edit to a note owned by userID and announces the before/after pair.
func (s *Service) EditNote(ctx context.Context, userID UserID, noteID NoteID, edit NoteEdit) (Note, error) {
	before, err := s.loadOwned(ctx, opEditNote, userID, noteID)
	if err != nil {
		return Note{}, err
	}
	if edit.Visibility != nil {
		if _, err := ParseVisibility(string(*edit.Visibility)); err != nil {
			return Note{}, newServiceError(opEditNote, "invalid_visibility", err)
		}
	}

	after := edit.apply(before)
	if err := s.store.Save(ctx, &after); err != nil {
		s.logError(opEditNote, "update_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(opEditNote, "update_failed", err)
	}

	s.hooks.OnNoteEdited(before, after)
	return after, nil
}

// GetNote loads a single note.
func (s *Service) GetNote(ctx context.Context, noteID NoteID) (Note, error) {
	if s.store == nil {
		return Note{}, newServiceError(opGetNote, "missing_database", errMissingDatabase)
	}
	note, err := s.store.FindByID(ctx, noteID.String())
	if errors.Is(err, ErrNoteNotFound) {
		return Note{}, newServiceError(opGetNote, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opGetNote, "query_failed", err, zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(opGetNote, "query_failed", err)
	}
	return note, nil
}

// ListByIDs resolves the ids that still exist. Missing ids are absent from the result.
func (s *Service) ListByIDs(ctx context.Context, noteIDs []string) (map[string]Note, error) {
	if s.store == nil {
		return nil, newServiceError(opListNotes, "missing_database", errMissingDatabase)
	}
	found, err := s.store.FindByIDs(ctx, noteIDs)
	if err != nil {
		s.logError(opListNotes, "query_failed", err, zap.Int("requested", len(noteIDs)))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return found, nil
}

func (s *Service) loadOwned(ctx context.Context, operation string, userID UserID, noteID NoteID) (Note, error) {
	if s.store == nil {
		return Note{}, newServiceError(operation, "missing_database", errMissingDatabase)
	}
	note, err := s.store.FindByID(ctx, noteID.String())
	if errors.Is(err, ErrNoteNotFound) {
		return Note{}, newServiceError(operation, reasonNotFound, err)
	}
	if err != nil {
		s.logError(operation, "query_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(operation, "query_failed", err)
	}
	if note.UserID != userID.String() {
		return Note{}, newServiceError(operation, "forbidden", errNotOwner)
	}
	return note, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
