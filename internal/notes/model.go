package notes

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Visibility enumerates the audiences a note can be addressed to.
type Visibility string

const (
	// VisibilityPublic is visible to everyone and listed on public timelines.
	VisibilityPublic Visibility = "public"
	// VisibilityHome is visible to everyone but kept off public timelines.
	VisibilityHome Visibility = "home"
	// VisibilityFollowers is visible to followers only.
	VisibilityFollowers Visibility = "followers"
	// VisibilitySpecified is a direct message to the mentioned users.
	VisibilitySpecified Visibility = "specified"
)

const (
	maxNoteIDLength = 36
	maxUserIDLength = 32
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidVisibility indicates an unknown visibility value.
	ErrInvalidVisibility = errors.New("notes: invalid visibility")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxNoteIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxNoteIDLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxUserIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxUserIDLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseVisibility validates a raw visibility value.
func ParseVisibility(rawInput string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(rawInput))) {
	case VisibilityPublic:
		return VisibilityPublic, nil
	case VisibilityHome:
		return VisibilityHome, nil
	case VisibilityFollowers:
		return VisibilityFollowers, nil
	case VisibilitySpecified:
		return VisibilitySpecified, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, rawInput)
	}
}

// Note models the persisted note row. Ids are time-ordered, so a larger id was created later.
type Note struct {
	ID         string     `gorm:"column:id;primaryKey;size:36;not null" json:"id"`
	UserID     string     `gorm:"column:user_id;size:32;not null;index:idx_note_user_id,priority:1" json:"user_id"`
	Visibility Visibility `gorm:"column:visibility;size:16;not null" json:"visibility"`
	ReplyID    *string    `gorm:"column:reply_id;size:36" json:"reply_id,omitempty"`
	RenoteID   *string    `gorm:"column:renote_id;size:36" json:"renote_id,omitempty"`
	Text       *string    `gorm:"column:text;type:text" json:"text,omitempty"`
	CW         *string    `gorm:"column:cw;type:text" json:"cw,omitempty"`
	HasPoll    bool       `gorm:"column:has_poll;not null;default:false" json:"has_poll"`
	FileIDs    []string   `gorm:"column:file_ids;serializer:json;type:text;not null" json:"file_ids"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "note"
}

// BeforeSave keeps file_ids a JSON array so the content predicate can compare against '[]'.
func (n *Note) BeforeSave(_ *gorm.DB) error {
	if n.FileIDs == nil {
		n.FileIDs = []string{}
	}
	return nil
}

// IsRenote reports whether the note references another note as a renote or quote.
func (n Note) IsRenote() bool {
	return n.RenoteID != nil
}

// HasContent reports whether the note carries anything of its own.
func (n Note) HasContent() bool {
	return n.Text != nil || n.CW != nil || n.HasPoll || len(n.FileIDs) > 0
}

// IsPureRenote reports whether the note is a boost without added content.
func (n Note) IsPureRenote() bool {
	return n.IsRenote() && !n.HasContent()
}

// IsQuote reports whether the note is a renote that carries its own content.
func (n Note) IsQuote() bool {
	return n.IsRenote() && n.HasContent()
}

// NoteDraft describes a note to be created by the lifecycle owner.
type NoteDraft struct {
	UserID     UserID
	Visibility Visibility
	ReplyID    *string
	RenoteID   *string
	Text       *string
	CW         *string
	HasPoll    bool
	FileIDs    []string
}

// NoteEdit describes the mutable fields of an existing note. Nil pointers keep the stored value.
type NoteEdit struct {
	Text       *string
	ClearText  bool
	CW         *string
	ClearCW    bool
	Visibility *Visibility
	HasPoll    *bool
	FileIDs    []string
	SetFiles   bool
}

func (edit NoteEdit) apply(note Note) Note {
	updated := note
	updated.FileIDs = append([]string(nil), note.FileIDs...)
	if edit.ClearText {
		updated.Text = nil
	} else if edit.Text != nil {
		updated.Text = pointerTo(*edit.Text)
	}
	if edit.ClearCW {
		updated.CW = nil
	} else if edit.CW != nil {
		updated.CW = pointerTo(*edit.CW)
	}
	if edit.Visibility != nil {
		updated.Visibility = *edit.Visibility
	}
	if edit.HasPoll != nil {
		updated.HasPoll = *edit.HasPoll
	}
	if edit.SetFiles {
		updated.FileIDs = append([]string{}, edit.FileIDs...)
	}
	return updated
}

func pointerTo(value string) *string {
	v := value
	return &v
}
