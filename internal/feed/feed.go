// Package feed serves timelines built from the latest-note projection.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sharkey-go/latestnote/internal/latestnote"
	"github.com/sharkey-go/latestnote/internal/notes"
	"go.uber.org/zap"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100

	opFollowing = "feed.following"
	opLatest    = "feed.latest"
)

var (
	// ErrInvalidLimit indicates a page size outside 1..MaxLimit.
	ErrInvalidLimit = errors.New("feed: limit out of range")
	errMissingDeps  = errors.New("feed: rows, notes and graph are required")
)

// Filter selects which key classes of the projection a timeline shows.
type Filter struct {
	PublicOnly     bool
	IncludeReplies bool
	IncludeQuotes  bool
}

// Query pages through the following feed. Ids bound the page exclusively.
type Query struct {
	Limit       int
	UntilID     string
	SinceID     string
	MutualsOnly bool
	Filter      Filter
}

// RowReader reads projection rows. *latestnote.Store satisfies it.
type RowReader interface {
	FindByUser(ctx context.Context, userID string) ([]latestnote.LatestNote, error)
	FindForUsers(ctx context.Context, userIDs []string, filter latestnote.RowFilter) ([]latestnote.LatestNote, error)
}

// NoteResolver loads notes by id. *notes.Store satisfies it.
type NoteResolver interface {
	FindByIDs(ctx context.Context, noteIDs []string) (map[string]notes.Note, error)
}

// Graph answers who follows whom. *social.Service satisfies it.
type Graph interface {
	Followees(ctx context.Context, followerID string) ([]string, error)
	Followers(ctx context.Context, followeeID string) ([]string, error)
}

type ServiceConfig struct {
	Rows   RowReader
	Notes  NoteResolver
	Graph  Graph
	Logger *zap.Logger
}

// Service reads timelines. Rows are hints: a row whose note is gone or no longer matches the
// row's key is treated as no latest note.
type Service struct {
	rows   RowReader
	notes  NoteResolver
	graph  Graph
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Rows == nil || cfg.Notes == nil || cfg.Graph == nil {
		return nil, errMissingDeps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		rows:   cfg.Rows,
		notes:  cfg.Notes,
		graph:  cfg.Graph,
		logger: logger,
	}, nil
}

// Following returns the latest notes of the users viewerID follows, newest first.
func (s *Service) Following(ctx context.Context, viewerID string, query Query) ([]notes.Note, error) {
	limit, err := normalizeLimit(query.Limit)
	if err != nil {
		return nil, err
	}

	followees, err := s.graph.Followees(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("%s: followees: %w", opFollowing, err)
	}
	if query.MutualsOnly {
		followers, err := s.graph.Followers(ctx, viewerID)
		if err != nil {
			return nil, fmt.Errorf("%s: followers: %w", opFollowing, err)
		}
		followees = intersect(followees, followers)
	}
	if len(followees) == 0 {
		return []notes.Note{}, nil
	}

	rows, err := s.rows.FindForUsers(ctx, followees, latestnote.RowFilter{
		PublicOnly:     query.Filter.PublicOnly,
		IncludeReplies: query.Filter.IncludeReplies,
		IncludeQuotes:  query.Filter.IncludeQuotes,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: rows: %w", opFollowing, err)
	}
	rows = page(rows, query.SinceID, query.UntilID)

	resolved, err := s.resolve(ctx, opFollowing, rows)
	if err != nil {
		return nil, err
	}
	if len(resolved) > limit {
		resolved = resolved[:limit]
	}
	return resolved, nil
}

// Latest returns the resolvable latest notes of userID across the key classes filter admits,
// newest first.
func (s *Service) Latest(ctx context.Context, userID string, filter Filter) ([]notes.Note, error) {
	rows, err := s.rows.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: rows: %w", opLatest, err)
	}
	admitted := rows[:0]
	for _, row := range rows {
		if filter.PublicOnly && !row.IsPublic {
			continue
		}
		if row.IsReply && !filter.IncludeReplies {
			continue
		}
		if row.IsQuote && !filter.IncludeQuotes {
			continue
		}
		admitted = append(admitted, row)
	}
	return s.resolve(ctx, opLatest, admitted)
}

func (s *Service) resolve(ctx context.Context, operation string, rows []latestnote.LatestNote) ([]notes.Note, error) {
	if len(rows) == 0 {
		return []notes.Note{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.NoteID)
	}
	found, err := s.notes.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: notes: %w", operation, err)
	}

	resolved := make([]notes.Note, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		note, ok := found[row.NoteID]
		if !ok || !latestnote.IsEligible(note) || latestnote.KeyFor(note) != row.Key() {
			dropped++
			continue
		}
		resolved = append(resolved, note)
	}
	if dropped > 0 {
		s.logger.Debug("dropped unresolvable latest notes",
			zap.String("operation", operation),
			zap.Int("dropped", dropped))
	}
	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].ID > resolved[j].ID
	})
	return resolved, nil
}

func normalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 || limit > MaxLimit {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	return limit, nil
}

func page(rows []latestnote.LatestNote, sinceID, untilID string) []latestnote.LatestNote {
	if sinceID == "" && untilID == "" {
		return rows
	}
	kept := make([]latestnote.LatestNote, 0, len(rows))
	for _, row := range rows {
		if sinceID != "" && row.NoteID <= sinceID {
			continue
		}
		if untilID != "" && row.NoteID >= untilID {
			continue
		}
		kept = append(kept, row)
	}
	return kept
}

func intersect(left, right []string) []string {
	members := make(map[string]struct{}, len(right))
	for _, id := range right {
		members[id] = struct{}{}
	}
	shared := make([]string, 0, len(left))
	for _, id := range left {
		if _, ok := members[id]; ok {
			shared = append(shared, id)
		}
	}
	return shared
}
