package notes

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type recordedEdit struct {
	before Note
	after  Note
}

type recordingHooks struct {
	mu      sync.Mutex
	created []Note
	removed []Note
	edited  []recordedEdit
}

func (h *recordingHooks) OnNoteCreated(note Note) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, note)
}

func (h *recordingHooks) OnNoteRemoved(note Note) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, note)
}

func (h *recordingHooks) OnNoteEdited(before, after Note) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edited = append(h.edited, recordedEdit{before: before, after: after})
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:notes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&Note{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, ids []string) (*Service, *recordingHooks, *gorm.DB) {
	t.Helper()

	db := openTestDatabase(t)
	hooks := &recordingHooks{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &staticIDGenerator{ids: ids},
		Hooks:      hooks,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return service, hooks, db
}

func mustInsertNote(t *testing.T, db *gorm.DB, note Note) Note {
	t.Helper()
	if err := db.Create(&note).Error; err != nil {
		t.Fatalf("failed to insert note %s: %v", note.ID, err)
	}
	return note
}

func requireServiceErrorCode(t *testing.T, err error, expectedCode string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error %s, got %v", expectedCode, err)
	}
	if serviceErr.Code() != expectedCode {
		t.Fatalf("expected code %s, got %s", expectedCode, serviceErr.Code())
	}
}
