package notes

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const (
	columnID         = "id"
	columnUserID     = "user_id"
	columnVisibility = "visibility"
	orderIDDesc      = columnID + " DESC"
	queryID          = columnID + " = ?"
	queryIDIn        = columnID + " IN ?"
	queryIDBefore    = columnID + " < ?"
	queryUserID      = columnUserID + " = ?"
	queryReplySet    = "reply_id IS NOT NULL"
	queryReplyUnset  = "reply_id IS NULL"
	queryRenoteSet   = "renote_id IS NOT NULL"
	queryRenoteUnset = "renote_id IS NULL"
	// A renote counts as a quote only when it carries content of its own.
	queryContentBearing = "(text IS NOT NULL OR cw IS NOT NULL OR has_poll = ? OR COALESCE(file_ids, '[]') NOT IN ('[]', 'null', ''))"
)

// ErrNoteNotFound indicates that the requested note does not exist.
var ErrNoteNotFound = errors.New("notes: note not found")

// EligibilityCriteria describes one projection key class of notes for a single author.
// Direct messages and pure renotes never match.
type EligibilityCriteria struct {
	UserID   string
	IsPublic bool
	IsReply  bool
	IsQuote  bool
}

// Store is the gorm-backed note table.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new note row.
func (store *Store) Create(ctx context.Context, note *Note) error {
	return store.db.WithContext(ctx).Create(note).Error
}

// Save persists every column of an existing note.
func (store *Store) Save(ctx context.Context, note *Note) error {
	return store.db.WithContext(ctx).Save(note).Error
}

// Delete removes a note owned by userID. It reports ErrNoteNotFound when nothing was deleted.
func (store *Store) Delete(ctx context.Context, userID, noteID string) error {
	result := store.db.WithContext(ctx).
		Where(queryID+" AND "+queryUserID, noteID, userID).
		Delete(&Note{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// FindByID loads a note by id.
func (store *Store) FindByID(ctx context.Context, noteID string) (Note, error) {
	var note Note
	err := store.db.WithContext(ctx).Where(queryID, noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

// FindByIDs loads every note among noteIDs that still exists, keyed by id.
func (store *Store) FindByIDs(ctx context.Context, noteIDs []string) (map[string]Note, error) {
	found := make(map[string]Note, len(noteIDs))
	if len(noteIDs) == 0 {
		return found, nil
	}
	var rows []Note
	if err := store.db.WithContext(ctx).Where(queryIDIn, noteIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		found[row.ID] = row
	}
	return found, nil
}

// FindLatestEligible returns the note with the greatest id matching criteria. When beforeID is
// non-empty only ids strictly lower than it are considered. The boolean is false when no note
// matches.
func (store *Store) FindLatestEligible(ctx context.Context, criteria EligibilityCriteria, beforeID string) (Note, bool, error) {
	query := store.eligibleQuery(ctx, criteria)
	if beforeID != "" {
		query = query.Where(queryIDBefore, beforeID)
	}

	var note Note
	err := query.Order(orderIDDesc).Limit(1).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, false, nil
	}
	if err != nil {
		return Note{}, false, err
	}
	return note, true, nil
}

func (store *Store) eligibleQuery(ctx context.Context, criteria EligibilityCriteria) *gorm.DB {
	query := store.db.WithContext(ctx).Model(&Note{}).Where(queryUserID, criteria.UserID)

	if criteria.IsPublic {
		query = query.Where(columnVisibility+" = ?", VisibilityPublic)
	} else {
		query = query.Where(columnVisibility+" IN ?", []Visibility{VisibilityHome, VisibilityFollowers})
	}

	if criteria.IsReply {
		query = query.Where(queryReplySet)
	} else {
		query = query.Where(queryReplyUnset)
	}

	if criteria.IsQuote {
		query = query.Where(queryRenoteSet).Where(queryContentBearing, true)
	} else {
		query = query.Where(queryRenoteUnset)
	}
	return query
}
