// Package playlist is the gateway to the external playlist service. It
// serves catalog reads for the normalizer and idempotent add/remove
// mutations for the voting lifecycle, authenticating every call with the
// chat administrator's credentials.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"crowdqueue/internal/catalog"
)

// Common errors.
var (
	// ErrAuthExpired is returned when credentials could not be refreshed;
	// the administrator must re-authorize.
	ErrAuthExpired = errors.New("playlist credentials expired")

	// ErrUpstream is returned when the playlist service stayed unavailable
	// through the retry budget.
	ErrUpstream = errors.New("playlist service unavailable")
)

// credentials is the slice of the credential provider the client needs.
type credentials interface {
	AccessToken(ctx context.Context, adminID string) (string, error)
	Refresh(ctx context.Context, adminID string) (string, error)
}

// api abstracts the raw playlist service calls so tests can fake them.
type api interface {
	trackFacts(ctx context.Context, token, trackID string) (catalog.Facts, error)
	contains(ctx context.Context, token, playlistID, trackID string) (bool, error)
	add(ctx context.Context, token, playlistID, trackID string) error
	remove(ctx context.Context, token, playlistID, trackID string) error
}

// Client wraps the playlist service with credential handling, bounded
// backoff for transient failures, and membership-checked mutations.
type Client struct {
	api   api
	creds credentials
	log   *log.Logger
}

// NewClient creates a Client talking to the Spotify Web API.
func NewClient(creds credentials, logger *log.Logger) *Client {
	return &Client{
		api:   newSpotifyAPI(),
		creds: creds,
		log:   logger,
	}
}

// AddResult classifies an Add call.
type AddResult int

const (
	// AddFailed means the service stayed unavailable; the track was not
	// added.
	AddFailed AddResult = iota
	// Added means the track is newly in the playlist.
	Added
	// AlreadyPresent means the playlist already contained the track.
	AlreadyPresent
	// AddAuthExpired means credentials could not be refreshed.
	AddAuthExpired
)

// RemoveResult classifies a Remove call.
type RemoveResult int

const (
	// RemoveFailed means the service stayed unavailable; the track may
	// still be in the playlist.
	RemoveFailed RemoveResult = iota
	// Removed means the track was taken out of the playlist.
	Removed
	// NotPresent means the playlist did not contain the track.
	NotPresent
	// RemoveAuthExpired means credentials could not be refreshed.
	RemoveAuthExpired
)

// TrackFacts implements catalog.Source using the service's read-only track
// endpoint.
func (c *Client) TrackFacts(ctx context.Context, adminID, trackID string) (catalog.Facts, error) {
	var facts catalog.Facts
	err := c.withAuth(ctx, adminID, func(token string) error {
		var err error
		facts, err = c.api.trackFacts(ctx, token, trackID)
		return err
	})
	if err != nil {
		return catalog.Facts{}, err
	}
	return facts, nil
}

// Add puts a track into a playlist. A track already present is reported as
// AlreadyPresent, never added twice.
func (c *Client) Add(ctx context.Context, playlistID, trackID, adminID string) (AddResult, error) {
	result := AddFailed
	err := c.withAuth(ctx, adminID, func(token string) error {
		present, err := c.api.contains(ctx, token, playlistID, trackID)
		if err != nil {
			return err
		}
		if present {
			result = AlreadyPresent
			return nil
		}
		if err := c.api.add(ctx, token, playlistID, trackID); err != nil {
			return err
		}
		result = Added
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			return AddAuthExpired, err
		}
		return AddFailed, fmt.Errorf("adding track %s: %w", trackID, err)
	}
	return result, nil
}

// Remove takes a track out of a playlist. An absent track is reported as
// NotPresent, not an error.
func (c *Client) Remove(ctx context.Context, playlistID, trackID, adminID string) (RemoveResult, error) {
	result := RemoveFailed
	err := c.withAuth(ctx, adminID, func(token string) error {
		present, err := c.api.contains(ctx, token, playlistID, trackID)
		if err != nil {
			return err
		}
		if !present {
			result = NotPresent
			return nil
		}
		if err := c.api.remove(ctx, token, playlistID, trackID); err != nil {
			return err
		}
		result = Removed
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			return RemoveAuthExpired, err
		}
		return RemoveFailed, fmt.Errorf("removing track %s: %w", trackID, err)
	}
	return result, nil
}

// withAuth runs fn with a valid access token, refreshing exactly once on an
// authentication failure before giving up.
func (c *Client) withAuth(ctx context.Context, adminID string, fn func(token string) error) error {
	token, err := c.creds.AccessToken(ctx, adminID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}

	err = c.withBackoff(ctx, func() error { return fn(token) })
	if !isAuthError(err) {
		return err
	}

	c.log.Info("access token rejected, refreshing", "admin", adminID)
	token, refreshErr := c.creds.Refresh(ctx, adminID)
	if refreshErr != nil {
		return fmt.Errorf("%w: %v", ErrAuthExpired, refreshErr)
	}

	err = c.withBackoff(ctx, func() error { return fn(token) })
	if isAuthError(err) {
		return fmt.Errorf("%w: rejected after refresh", ErrAuthExpired)
	}
	return err
}

// backoffDelays bounds retries of transient upstream failures.
var backoffDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second}

// withBackoff retries fn on transient failures with bounded exponential
// backoff. Non-transient errors return immediately.
func (c *Client) withBackoff(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(backoffDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelays[attempt-1]):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}
