package latestnote

// LatestNote maps a projection key to the newest eligible note under it.
// Public, home-only and followers-only notes are included. DMs and pure renotes never are.
type LatestNote struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:32;not null"`
	IsPublic bool   `gorm:"column:is_public;primaryKey;not null"`
	IsReply  bool   `gorm:"column:is_reply;primaryKey;not null"`
	IsQuote  bool   `gorm:"column:is_quote;primaryKey;not null"`
	NoteID   string `gorm:"column:note_id;size:36;not null;index:idx_latest_note_note_id"`
}

// TableName provides the explicit table binding for GORM.
func (LatestNote) TableName() string {
	return "latest_note"
}

// Key returns the compound key of the row.
func (row LatestNote) Key() Key {
	return Key{
		UserID:   row.UserID,
		IsPublic: row.IsPublic,
		IsReply:  row.IsReply,
		IsQuote:  row.IsQuote,
	}
}

// NewRow builds a row for key pointing at noteID.
func NewRow(key Key, noteID string) LatestNote {
	return LatestNote{
		UserID:   key.UserID,
		IsPublic: key.IsPublic,
		IsReply:  key.IsReply,
		IsQuote:  key.IsQuote,
		NoteID:   noteID,
	}
}
