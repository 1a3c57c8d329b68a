package social

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnFollowerID = "follower_id"
	columnFolloweeID = "followee_id"
	queryFollower    = columnFollowerID + " = ?"
	queryFollowee    = columnFolloweeID + " = ?"
)

// Store persists follow edges.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Follow records the edge. Following twice is not an error.
func (store *Store) Follow(ctx context.Context, followerID, followeeID string) error {
	return store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Following{FollowerID: followerID, FolloweeID: followeeID}).Error
}

// Unfollow removes the edge and reports whether it existed.
func (store *Store) Unfollow(ctx context.Context, followerID, followeeID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Where(queryFollower+" AND "+queryFollowee, followerID, followeeID).
		Delete(&Following{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Followees lists the users followerID follows.
func (store *Store) Followees(ctx context.Context, followerID string) ([]string, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Following{}).
		Where(queryFollower, followerID).
		Order(columnFolloweeID).
		Pluck(columnFolloweeID, &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Followers lists the users following followeeID.
func (store *Store) Followers(ctx context.Context, followeeID string) ([]string, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Following{}).
		Where(queryFollowee, followeeID).
		Order(columnFollowerID).
		Pluck(columnFollowerID, &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
