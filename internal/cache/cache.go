// Package cache provides read-through caches that sit in front of a loader function.
package cache

import (
	"context"
	"errors"
)

// Loader produces the authoritative value for key.
type Loader[V any] func(ctx context.Context, key string) (V, error)

var errMissingLoader = errors.New("cache: loader is required")
