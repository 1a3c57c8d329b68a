package latestnote

import (
	"context"
	"strings"
	"testing"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func TestStoreUpsertNewerIsMonotonic(t *testing.T) {
	harness := newTestHarness(t, nil)
	ctx := context.Background()
	key := Key{UserID: "alice", IsPublic: true}

	steps := []struct {
		noteID       string
		expectWrite  bool
		expectStored string
	}{
		{noteID: "000005", expectWrite: true, expectStored: "000005"},
		{noteID: "000003", expectWrite: false, expectStored: "000005"},
		{noteID: "000005", expectWrite: false, expectStored: "000005"},
		{noteID: "000009", expectWrite: true, expectStored: "000009"},
	}
	for _, step := range steps {
		written, err := harness.store.UpsertNewer(ctx, NewRow(key, step.noteID))
		if err != nil {
			t.Fatalf("UpsertNewer(%s) failed: %v", step.noteID, err)
		}
		if written != step.expectWrite {
			t.Fatalf("UpsertNewer(%s) wrote = %t, want %t", step.noteID, written, step.expectWrite)
		}
		if stored := harness.mustRow(t, key); stored != step.expectStored {
			t.Fatalf("after %s expected %s, got %s", step.noteID, step.expectStored, stored)
		}
	}
	if count := harness.countRows(t); count != 1 {
		t.Fatalf("expected a single row, got %d", count)
	}
}

func TestStoreInsertIgnoringConflictKeepsFirstWriter(t *testing.T) {
	harness := newTestHarness(t, nil)
	ctx := context.Background()
	key := Key{UserID: "alice", IsReply: true}

	inserted, err := harness.store.InsertIgnoringConflict(ctx, NewRow(key, "000002"))
	if err != nil || !inserted {
		t.Fatalf("expected first insert to succeed, inserted=%t err=%v", inserted, err)
	}
	inserted, err = harness.store.InsertIgnoringConflict(ctx, NewRow(key, "000009"))
	if err != nil {
		t.Fatalf("conflicting insert must not error: %v", err)
	}
	if inserted {
		t.Fatalf("conflicting insert must be ignored")
	}
	if stored := harness.mustRow(t, key); stored != "000002" {
		t.Fatalf("expected first writer to win, got %s", stored)
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	harness := newTestHarness(t, nil)
	ctx := context.Background()
	key := Key{UserID: "alice", IsPublic: true, IsQuote: true}
	if _, err := harness.store.UpsertNewer(ctx, NewRow(key, "000007")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	replaced, err := harness.store.ReplaceIfPointsTo(ctx, key, "000001", "000002")
	if err != nil || replaced {
		t.Fatalf("replace with a stale expectation must not apply, replaced=%t err=%v", replaced, err)
	}
	replaced, err = harness.store.ReplaceIfPointsTo(ctx, key, "000007", "000004")
	if err != nil || !replaced {
		t.Fatalf("expected replace to apply, replaced=%t err=%v", replaced, err)
	}
	if stored := harness.mustRow(t, key); stored != "000004" {
		t.Fatalf("expected 000004, got %s", stored)
	}

	deleted, err := harness.store.DeleteIfPointsTo(ctx, key, "000007")
	if err != nil || deleted {
		t.Fatalf("delete with a stale expectation must not apply, deleted=%t err=%v", deleted, err)
	}
	deleted, err = harness.store.DeleteIfPointsTo(ctx, key, "000004")
	if err != nil || !deleted {
		t.Fatalf("expected delete to apply, deleted=%t err=%v", deleted, err)
	}
	harness.requireNoRow(t, key)
}

func TestStoreUserLevelReads(t *testing.T) {
	harness := newTestHarness(t, nil)
	ctx := context.Background()
	seed := []LatestNote{
		NewRow(Key{UserID: "alice", IsPublic: true}, "000001"),
		NewRow(Key{UserID: "alice", IsPublic: true, IsReply: true}, "000002"),
		NewRow(Key{UserID: "alice", IsQuote: true}, "000003"),
		NewRow(Key{UserID: "bob"}, "000004"),
	}
	for _, row := range seed {
		if _, err := harness.store.UpsertNewer(ctx, row); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	exists, err := harness.store.ExistsForUser(ctx, "alice")
	if err != nil || !exists {
		t.Fatalf("expected alice to have rows, exists=%t err=%v", exists, err)
	}
	exists, err = harness.store.ExistsForUser(ctx, "carol")
	if err != nil || exists {
		t.Fatalf("expected carol to have no rows, exists=%t err=%v", exists, err)
	}

	rows, err := harness.store.FindByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("FindByUser failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows for alice, got %d", len(rows))
	}

	tests := []struct {
		name     string
		filter   RowFilter
		expected int
	}{
		{name: "plain only", filter: RowFilter{}, expected: 2},
		{name: "public plain only", filter: RowFilter{PublicOnly: true}, expected: 1},
		{name: "with replies", filter: RowFilter{IncludeReplies: true}, expected: 3},
		{name: "everything", filter: RowFilter{IncludeReplies: true, IncludeQuotes: true}, expected: 4},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(testContext *testing.T) {
			rows, err := harness.store.FindForUsers(ctx, []string{"alice", "bob"}, testCase.filter)
			if err != nil {
				testContext.Fatalf("FindForUsers failed: %v", err)
			}
			if len(rows) != testCase.expected {
				testContext.Fatalf("expected %d rows, got %d", testCase.expected, len(rows))
			}
		})
	}
}

func TestUpsertNewerStatementPerDialect(t *testing.T) {
	mysqlDB, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "latestnote:secret@tcp(127.0.0.1:3306)/latestnote",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true, SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("failed to open mysql dialector: %v", err)
	}
	sqliteDB := openTestDatabase(t).Session(&gorm.Session{DryRun: true})

	testCases := []struct {
		name       string
		db         *gorm.DB
		contains   []string
		notContain string
	}{
		{
			name:       "mysql compares inside the assignment",
			db:         mysqlDB,
			contains:   []string{"ON DUPLICATE KEY UPDATE `note_id`=" + upsertNewerMySQL},
			notContain: "DO UPDATE",
		},
		{
			name:       "sqlite guards the update with a where clause",
			db:         sqliteDB,
			contains:   []string{"ON CONFLICT", "DO UPDATE SET", "WHERE " + upsertNewerCondition},
			notContain: "ON DUPLICATE KEY",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(testContext *testing.T) {
			row := NewRow(Key{UserID: "alice", IsPublic: true}, "000005")
			statement := testCase.db.Clauses(upsertNewerClause(testCase.db.Dialector.Name())).Create(&row).Statement
			sql := statement.SQL.String()
			for _, fragment := range testCase.contains {
				if !strings.Contains(sql, fragment) {
					testContext.Fatalf("expected %q in %q", fragment, sql)
				}
			}
			if strings.Contains(sql, testCase.notContain) {
				testContext.Fatalf("unexpected %q in %q", testCase.notContain, sql)
			}
		})
	}
}
