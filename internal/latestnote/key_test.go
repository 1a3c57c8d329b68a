package latestnote

import (
	"testing"

	"github.com/sharkey-go/latestnote/internal/notes"
)

func TestKeyFor(t *testing.T) {
	tests := []struct {
		name     string
		note     notes.Note
		expected Key
	}{
		{
			name:     "public plain note",
			note:     buildNote("000001", "alice"),
			expected: Key{UserID: "alice", IsPublic: true},
		},
		{
			name:     "home reply",
			note:     buildNote("000002", "alice", withVisibility(notes.VisibilityHome), asReply("parent")),
			expected: Key{UserID: "alice", IsReply: true},
		},
		{
			name:     "followers quote",
			note:     buildNote("000003", "alice", withVisibility(notes.VisibilityFollowers), asQuote("target")),
			expected: Key{UserID: "alice", IsQuote: true},
		},
		{
			name:     "pure renote is not a quote",
			note:     buildNote("000004", "alice", asPureRenote("target")),
			expected: Key{UserID: "alice", IsPublic: true},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(testContext *testing.T) {
			first := KeyFor(testCase.note)
			second := KeyFor(testCase.note)
			if first != testCase.expected {
				testContext.Fatalf("expected %+v, got %+v", testCase.expected, first)
			}
			if first != second {
				testContext.Fatalf("key derivation is not stable: %+v vs %+v", first, second)
			}
			if !AreEquivalent(testCase.note, testCase.note) {
				testContext.Fatalf("a note must be equivalent to itself")
			}
		})
	}
}

func TestAreEquivalentIgnoresMutableContent(t *testing.T) {
	original := buildNote("000001", "alice")
	edited := original
	updatedText := "edited"
	edited.Text = &updatedText
	edited.FileIDs = []string{"file-1"}
	edited.ID = "000009"

	if !AreEquivalent(original, edited) {
		t.Fatalf("text, files and id changes must not change the key")
	}

	private := original
	private.Visibility = notes.VisibilityHome
	if AreEquivalent(original, private) {
		t.Fatalf("visibility change from public must change the key")
	}
}

func TestIsEligible(t *testing.T) {
	if IsEligible(buildNote("000001", "alice", withVisibility(notes.VisibilitySpecified))) {
		t.Fatalf("direct messages are never eligible")
	}
	if IsEligible(buildNote("000002", "alice", asPureRenote("target"))) {
		t.Fatalf("pure renotes are never eligible")
	}
	if !IsEligible(buildNote("000003", "alice", withVisibility(notes.VisibilityFollowers), asQuote("target"))) {
		t.Fatalf("followers quotes are eligible")
	}
}

func TestKeysForUserCoversEveryClass(t *testing.T) {
	keys := KeysForUser("alice")
	if len(keys) != 8 {
		t.Fatalf("expected 8 keys, got %d", len(keys))
	}
	seen := make(map[Key]struct{}, len(keys))
	for _, key := range keys {
		if key.UserID != "alice" {
			t.Fatalf("unexpected user in key %+v", key)
		}
		seen[key] = struct{}{}
	}
	if len(seen) != 8 {
		t.Fatalf("expected distinct keys, got %d", len(seen))
	}
}
