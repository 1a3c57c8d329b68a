// Package events carries note lifecycle events between processes over AMQP.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sharkey-go/latestnote/internal/notes"
)

// Kind names a note lifecycle event.
type Kind string

const (
	KindCreated Kind = "note.created"
	KindRemoved Kind = "note.removed"
	KindEdited  Kind = "note.edited"
)

// ErrMalformedEvent indicates a payload that can never be processed.
var ErrMalformedEvent = errors.New("events: malformed event")

// Event is the wire form of a note lifecycle event. Created and removed events carry Note;
// edited events carry Before and After.
type Event struct {
	Kind       Kind        `json:"kind"`
	Note       *notes.Note `json:"note,omitempty"`
	Before     *notes.Note `json:"before,omitempty"`
	After      *notes.Note `json:"after,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// NoteID returns the id of the note the event is about.
func (event Event) NoteID() string {
	switch {
	case event.Note != nil:
		return event.Note.ID
	case event.After != nil:
		return event.After.ID
	default:
		return ""
	}
}

// Encode serializes the event.
func Encode(event Event) ([]byte, error) {
	if err := event.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

// Decode parses and validates a payload.
func Decode(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := event.validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (event Event) validate() error {
	switch event.Kind {
	case KindCreated, KindRemoved:
		if event.Note == nil {
			return fmt.Errorf("%w: %s without note", ErrMalformedEvent, event.Kind)
		}
	case KindEdited:
		if event.Before == nil || event.After == nil {
			return fmt.Errorf("%w: edit without before and after", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, event.Kind)
	}
	return nil
}
