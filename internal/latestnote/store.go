package latestnote

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnUserID   = "user_id"
	columnIsPublic = "is_public"
	columnIsReply  = "is_reply"
	columnIsQuote  = "is_quote"
	columnNoteID   = "note_id"
	queryKey       = columnUserID + " = ? AND " + columnIsPublic + " = ? AND " + columnIsReply + " = ? AND " + columnIsQuote + " = ?"
	queryKeyNote   = queryKey + " AND " + columnNoteID + " = ?"
	queryUserID    = columnUserID + " = ?"
	queryUserIDIn  = columnUserID + " IN ?"
	dialectMySQL   = "mysql"

	// SQLite and PostgreSQL share the excluded pseudo-table; the WHERE keeps the write monotonic.
	upsertNewerCondition = "latest_note.note_id < excluded.note_id"
	// MySQL has no conditional DO UPDATE, so the comparison lives in the assignment.
	upsertNewerMySQL = "IF(note_id < VALUES(note_id), VALUES(note_id), note_id)"
)

var conflictColumns = []clause.Column{
	{Name: columnUserID},
	{Name: columnIsPublic},
	{Name: columnIsReply},
	{Name: columnIsQuote},
}

// RowFilter narrows bulk reads to the key classes a feed wants.
type RowFilter struct {
	PublicOnly     bool
	IncludeReplies bool
	IncludeQuotes  bool
}

// Store persists latest_note rows. Every write is a single conditional statement so that
// concurrent workers never need a lock.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FindByKey loads the row for key. The boolean is false when no row exists.
func (store *Store) FindByKey(ctx context.Context, key Key) (LatestNote, bool, error) {
	var row LatestNote
	err := store.db.WithContext(ctx).
		Where(queryKey, key.UserID, key.IsPublic, key.IsReply, key.IsQuote).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LatestNote{}, false, nil
	}
	if err != nil {
		return LatestNote{}, false, err
	}
	return row, true, nil
}

// FindByUser loads every row of a user, whatever the key bits.
func (store *Store) FindByUser(ctx context.Context, userID string) ([]LatestNote, error) {
	var rows []LatestNote
	if err := store.db.WithContext(ctx).Where(queryUserID, userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ExistsForUser reports whether the user has a row under any key.
func (store *Store) ExistsForUser(ctx context.Context, userID string) (bool, error) {
	var count int64
	if err := store.db.WithContext(ctx).
		Model(&LatestNote{}).
		Where(queryUserID, userID).
		Limit(1).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindForUsers loads the rows of several users that pass filter.
func (store *Store) FindForUsers(ctx context.Context, userIDs []string, filter RowFilter) ([]LatestNote, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := store.db.WithContext(ctx).Where(queryUserIDIn, userIDs)
	if filter.PublicOnly {
		query = query.Where(columnIsPublic+" = ?", true)
	}
	if !filter.IncludeReplies {
		query = query.Where(columnIsReply+" = ?", false)
	}
	if !filter.IncludeQuotes {
		query = query.Where(columnIsQuote+" = ?", false)
	}

	var rows []LatestNote
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertNewer inserts row, or on key conflict replaces the stored note id only when row's id is
// greater. It reports whether a row was written.
func (store *Store) UpsertNewer(ctx context.Context, row LatestNote) (bool, error) {
	result := store.db.WithContext(ctx).Clauses(upsertNewerClause(store.db.Dialector.Name())).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func upsertNewerClause(dialect string) clause.OnConflict {
	onConflict := clause.OnConflict{Columns: conflictColumns}
	if dialect == dialectMySQL {
		onConflict.DoUpdates = clause.Set{{
			Column: clause.Column{Name: columnNoteID},
			Value:  gorm.Expr(upsertNewerMySQL),
		}}
		return onConflict
	}
	onConflict.DoUpdates = clause.AssignmentColumns([]string{columnNoteID})
	onConflict.Where = clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: upsertNewerCondition}}}
	return onConflict
}

// InsertIgnoringConflict inserts row unless a row with the same key already exists, in which case
// the existing row is kept. It reports whether the insert took effect.
func (store *Store) InsertIgnoringConflict(ctx context.Context, row LatestNote) (bool, error) {
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: conflictColumns, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReplaceIfPointsTo swaps the note id of key from expected to replacement. Nothing is written
// when the row is missing or already points elsewhere.
func (store *Store) ReplaceIfPointsTo(ctx context.Context, key Key, expected, replacement string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&LatestNote{}).
		Where(queryKeyNote, key.UserID, key.IsPublic, key.IsReply, key.IsQuote, expected).
		Update(columnNoteID, replacement)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteIfPointsTo removes the row of key only while it still references noteID.
func (store *Store) DeleteIfPointsTo(ctx context.Context, key Key, noteID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Where(queryKeyNote, key.UserID, key.IsPublic, key.IsReply, key.IsQuote, noteID).
		Delete(&LatestNote{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
