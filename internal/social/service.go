package social

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	opServiceNew = "social.service.new"
	opFollow     = "social.follow"
	opUnfollow   = "social.unfollow"
	opFollowees  = "social.followees"
	opFollowers  = "social.followers"
)

var (
	errMissingStore = errors.New("social store is required")
	errSelfFollow   = errors.New("users cannot follow themselves")
	errNotFollowing = errors.New("follow edge does not exist")
	errMissingUser  = errors.New("user id is required")
)

// FolloweeCache is a read-through cache of followee lists keyed by follower id.
type FolloweeCache interface {
	Fetch(ctx context.Context, userID string) ([]string, error)
	Refresh(ctx context.Context, userID string) error
}

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

type ServiceConfig struct {
	Store  *Store
	Cache  FolloweeCache
	Logger *zap.Logger
}

// Service manages follow edges and keeps the followee cache in step with them.
type Service struct {
	store  *Store
	cache  FolloweeCache
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  cfg.Store,
		cache:  cfg.Cache,
		logger: logger,
	}, nil
}

// Follow makes followerID follow followeeID.
func (s *Service) Follow(ctx context.Context, followerID, followeeID string) error {
	if followerID == "" || followeeID == "" {
		return newServiceError(opFollow, "invalid_user_id", errMissingUser)
	}
	if followerID == followeeID {
		return newServiceError(opFollow, "self_follow", errSelfFollow)
	}
	if err := s.store.Follow(ctx, followerID, followeeID); err != nil {
		s.logger.Error("follow failed", zap.String("follower_id", followerID), zap.String("followee_id", followeeID), zap.Error(err))
		return newServiceError(opFollow, "insert_failed", err)
	}
	s.refresh(ctx, followerID)
	return nil
}

// Unfollow removes the edge from followerID to followeeID.
func (s *Service) Unfollow(ctx context.Context, followerID, followeeID string) error {
	if followerID == "" || followeeID == "" {
		return newServiceError(opUnfollow, "invalid_user_id", errMissingUser)
	}
	removed, err := s.store.Unfollow(ctx, followerID, followeeID)
	if err != nil {
		s.logger.Error("unfollow failed", zap.String("follower_id", followerID), zap.String("followee_id", followeeID), zap.Error(err))
		return newServiceError(opUnfollow, "delete_failed", err)
	}
	if !removed {
		return newServiceError(opUnfollow, "not_found", errNotFollowing)
	}
	s.refresh(ctx, followerID)
	return nil
}

// Followees returns the users followerID follows, served from the cache when one is configured.
func (s *Service) Followees(ctx context.Context, followerID string) ([]string, error) {
	if s.cache == nil {
		followees, err := s.store.Followees(ctx, followerID)
		if err != nil {
			return nil, newServiceError(opFollowees, "query_failed", err)
		}
		return followees, nil
	}
	followees, err := s.cache.Fetch(ctx, followerID)
	if err != nil {
		return nil, newServiceError(opFollowees, "cache_fetch_failed", err)
	}
	return followees, nil
}

// Followers returns the users following followeeID.
func (s *Service) Followers(ctx context.Context, followeeID string) ([]string, error) {
	followers, err := s.store.Followers(ctx, followeeID)
	if err != nil {
		return nil, newServiceError(opFollowers, "query_failed", err)
	}
	return followers, nil
}

func (s *Service) refresh(ctx context.Context, followerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Refresh(ctx, followerID); err != nil {
		s.logger.Warn("followee cache refresh failed", zap.String("follower_id", followerID), zap.Error(err))
	}
}
