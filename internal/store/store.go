// Package store defines the versioned key-value storage contract shared by
// every persistent component, plus PostgreSQL and in-memory implementations.
//
// Entities live under a (partition, key) pair and carry an opaque version
// token. All writes are conditional on the version read, so concurrent
// writers resolve through optimistic retry rather than locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Common errors.
var (
	// ErrNotFound is returned when no item exists at (partition, key).
	ErrNotFound = errors.New("not found")

	// ErrVersionMismatch is returned when a conditional write loses to a
	// concurrent writer.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrTooMuchContention is returned when a bounded retry loop exhausts
	// its attempts without winning a conditional write.
	ErrTooMuchContention = errors.New("too much write contention")
)

// VersionAbsent is the version token passed to Put when the item must not
// already exist.
const VersionAbsent int64 = 0

// Item is one stored entity.
type Item struct {
	Partition string
	Key       string
	Value     []byte
	Version   int64
}

// Store is the key-value collaborator contract. Implementations must make
// Put and Delete conditional on the supplied version: a write whose version
// does not match the stored one fails with ErrVersionMismatch, and a Put
// with VersionAbsent fails the same way if the item already exists.
type Store interface {
	// Get returns the item at (partition, key), or ErrNotFound.
	Get(ctx context.Context, partition, key string) (Item, error)

	// Put writes value conditioned on version and returns the new version.
	Put(ctx context.Context, partition, key string, value []byte, version int64) (int64, error)

	// Delete removes the item conditioned on version. Deleting an absent
	// item returns ErrNotFound.
	Delete(ctx context.Context, partition, key string, version int64) error

	// Scan returns every item in a partition, ordered by key.
	Scan(ctx context.Context, partition string) ([]Item, error)
}

// maxUpdateAttempts bounds the optimistic retry loop.
const maxUpdateAttempts = 10

// retryDelays backs off between conflicting attempts. Jitter is added so
// two colliding writers do not stay in lockstep.
var retryDelays = []time.Duration{5 * time.Millisecond, 20 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}

// ErrNoChange can be returned by an UpdateWithRetry mutate function to
// abandon the update without an error; the current value is returned as is.
var ErrNoChange = errors.New("no change")

// UpdateWithRetry performs a read-modify-write on one item with bounded
// optimistic retry. mutate receives the current value (nil if absent) and
// returns the replacement value. On version conflict the whole
// read-modify-write is repeated; after maxUpdateAttempts the operation
// fails with ErrTooMuchContention.
func UpdateWithRetry(ctx context.Context, s Store, partition, key string, mutate func(current []byte) ([]byte, error)) ([]byte, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		version := VersionAbsent
		var current []byte
		item, err := s.Get(ctx, partition, key)
		switch {
		case err == nil:
			version = item.Version
			current = item.Value
		case errors.Is(err, ErrNotFound):
			// First writer for this item.
		default:
			return nil, fmt.Errorf("reading %s/%s: %w", partition, key, err)
		}

		next, err := mutate(current)
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		if err != nil {
			return nil, err
		}

		_, err = s.Put(ctx, partition, key, next, version)
		if errors.Is(err, ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("writing %s/%s: %w", partition, key, err)
		}
		return next, nil
	}

	return nil, fmt.Errorf("updating %s/%s: %w", partition, key, ErrTooMuchContention)
}

// backoff sleeps for the attempt's delay plus jitter, honoring cancellation.
func backoff(ctx context.Context, attempt int) error {
	if attempt >= len(retryDelays) {
		attempt = len(retryDelays) - 1
	}
	delay := retryDelays[attempt] + time.Duration(rand.Int63n(int64(5*time.Millisecond)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
