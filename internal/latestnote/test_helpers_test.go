package latestnote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sharkey-go/latestnote/internal/notes"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type recordingObserver struct {
	mu      sync.Mutex
	changes []Change
}

func (o *recordingObserver) OnProjectionChanged(change Change) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, change)
}

func (o *recordingObserver) snapshot() []Change {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Change(nil), o.changes...)
}

type testHarness struct {
	db       *gorm.DB
	store    *Store
	notes    *notes.Store
	service  *Service
	observer *recordingObserver
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:latestnote_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&notes.Note{}, &LatestNote{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestHarness(t *testing.T, configure func(*ServiceConfig)) *testHarness {
	t.Helper()

	db := openTestDatabase(t)
	harness := &testHarness{
		db:       db,
		store:    NewStore(db),
		notes:    notes.NewStore(db),
		observer: &recordingObserver{},
	}
	cfg := ServiceConfig{
		Store:    harness.store,
		Notes:    harness.notes,
		Observer: harness.observer,
	}
	if configure != nil {
		configure(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct latest note service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = service.Scheduler().Shutdown(ctx)
	})
	harness.service = service
	return harness
}

type noteOption func(*notes.Note)

func withVisibility(visibility notes.Visibility) noteOption {
	return func(note *notes.Note) {
		note.Visibility = visibility
	}
}

func asReply(parentID string) noteOption {
	return func(note *notes.Note) {
		note.ReplyID = &parentID
	}
}

func asPureRenote(targetID string) noteOption {
	return func(note *notes.Note) {
		note.RenoteID = &targetID
		note.Text = nil
		note.CW = nil
		note.HasPoll = false
		note.FileIDs = []string{}
	}
}

func asQuote(targetID string) noteOption {
	return func(note *notes.Note) {
		note.RenoteID = &targetID
	}
}

func buildNote(id, userID string, options ...noteOption) notes.Note {
	text := "note " + id
	note := notes.Note{
		ID:         id,
		UserID:     userID,
		Visibility: notes.VisibilityPublic,
		Text:       &text,
		FileIDs:    []string{},
	}
	for _, option := range options {
		option(&note)
	}
	return note
}

func (h *testHarness) mustInsertNote(t *testing.T, note notes.Note) notes.Note {
	t.Helper()
	if err := h.db.Create(&note).Error; err != nil {
		t.Fatalf("failed to insert note %s: %v", note.ID, err)
	}
	return note
}

func (h *testHarness) mustDeleteNote(t *testing.T, note notes.Note) {
	t.Helper()
	if err := h.notes.Delete(context.Background(), note.UserID, note.ID); err != nil {
		t.Fatalf("failed to delete note %s: %v", note.ID, err)
	}
}

func (h *testHarness) mustRow(t *testing.T, key Key) string {
	t.Helper()
	row, found, err := h.store.FindByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("failed to load row: %v", err)
	}
	if !found {
		t.Fatalf("expected a row for %+v", key)
	}
	return row.NoteID
}

func (h *testHarness) requireNoRow(t *testing.T, key Key) {
	t.Helper()
	row, found, err := h.store.FindByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("failed to load row: %v", err)
	}
	if found {
		t.Fatalf("expected no row for %+v, found %s", key, row.NoteID)
	}
}

func (h *testHarness) countRows(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&LatestNote{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func (h *testHarness) mustCreate(t *testing.T, note notes.Note) Outcome {
	t.Helper()
	outcome, err := h.service.HandleCreatedNote(context.Background(), note)
	if err != nil {
		t.Fatalf("HandleCreatedNote(%s) failed: %v", note.ID, err)
	}
	return outcome
}

func (h *testHarness) mustRemove(t *testing.T, note notes.Note) Outcome {
	t.Helper()
	outcome, err := h.service.HandleDeletedNote(context.Background(), note)
	if err != nil {
		t.Fatalf("HandleDeletedNote(%s) failed: %v", note.ID, err)
	}
	return outcome
}

func requireOutcome(t *testing.T, got, want Outcome) {
	t.Helper()
	if got != want {
		t.Fatalf("expected outcome %s, got %s", want, got)
	}
}
