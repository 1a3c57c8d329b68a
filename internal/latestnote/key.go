package latestnote

import "github.com/sharkey-go/latestnote/internal/notes"

// Key is the compound identity of a latest-note projection row.
type Key struct {
	UserID   string
	IsPublic bool
	IsReply  bool
	IsQuote  bool
}

// KeyFor derives the projection key of a note.
func KeyFor(note notes.Note) Key {
	return Key{
		UserID:   note.UserID,
		IsPublic: note.Visibility == notes.VisibilityPublic,
		IsReply:  note.ReplyID != nil,
		IsQuote:  note.IsRenote() && note.IsQuote(),
	}
}

// AreEquivalent reports whether two notes map to the same projection key.
func AreEquivalent(first, second notes.Note) bool {
	return KeyFor(first) == KeyFor(second)
}

// IsEligible reports whether a note can ever be recorded in the projection.
// Followers-only and home notes are included because the table backs the following feed.
func IsEligible(note notes.Note) bool {
	if note.Visibility == notes.VisibilitySpecified {
		return false
	}
	return !note.IsPureRenote()
}

// Criteria converts the key into the note-store predicate that selects the notes it covers.
func (key Key) Criteria() notes.EligibilityCriteria {
	return notes.EligibilityCriteria{
		UserID:   key.UserID,
		IsPublic: key.IsPublic,
		IsReply:  key.IsReply,
		IsQuote:  key.IsQuote,
	}
}

// KeysForUser lists every key a user can have, in a stable order.
func KeysForUser(userID string) []Key {
	keys := make([]Key, 0, 8)
	for _, isPublic := range []bool{true, false} {
		for _, isReply := range []bool{false, true} {
			for _, isQuote := range []bool{false, true} {
				keys = append(keys, Key{UserID: userID, IsPublic: isPublic, IsReply: isReply, IsQuote: isQuote})
			}
		}
	}
	return keys
}
