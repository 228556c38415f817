// Package catalog owns the normalized track/artist/album/genre facts shared
// across all chats. Entries are immutable once written and never deleted.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"crowdqueue/internal/store"
)

// Common errors.
var (
	// ErrTrackNotFound is returned when the upstream catalog has no track
	// with the requested identifier.
	ErrTrackNotFound = errors.New("track not found")
)

// Storage partitions.
const (
	trackPartition  = "catalog/track"
	artistPartition = "catalog/artist"
	albumPartition  = "catalog/album"
	genrePartition  = "catalog/genre"
)

// ArtistRef names one artist on a catalog entry.
type ArtistRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Entry is the normalized fact row for one track.
type Entry struct {
	TrackID    string      `json:"trackId"`
	Name       string      `json:"name"`
	DurationMS int         `json:"durationMs"`
	Artists    []ArtistRef `json:"artists"`
	AlbumID    string      `json:"albumId"`
	AlbumName  string      `json:"albumName"`
	Genres     []string    `json:"genres"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ArtistFacts is the upstream view of one artist.
type ArtistFacts struct {
	ID     string
	Name   string
	Genres []string
}

// Facts is the upstream view of one track, as fetched from the read API.
type Facts struct {
	ID         string
	Name       string
	DurationMS int
	Artists    []ArtistFacts
	AlbumID    string
	AlbumName  string
}

// Source fetches track facts from the upstream catalog. The admin identity
// selects whose credentials authenticate the read.
type Source interface {
	TrackFacts(ctx context.Context, adminID, trackID string) (Facts, error)
}

// Normalizer resolves track identifiers to catalog entries, fetching and
// persisting facts on a cache miss. Concurrent misses for the same
// identifier collapse into a single upstream fetch.
type Normalizer struct {
	store  store.Store
	source Source
	group  singleflight.Group
}

// NewNormalizer creates a Normalizer over the given store and fact source.
func NewNormalizer(s store.Store, source Source) *Normalizer {
	return &Normalizer{store: s, source: source}
}

// Ensure returns the catalog entry for trackID, fetching and persisting it
// first if the catalog has no entry yet. Safe to call concurrently for the
// same identifier.
func (n *Normalizer) Ensure(ctx context.Context, adminID, trackID string) (*Entry, error) {
	if entry, err := n.lookup(ctx, trackID); err == nil {
		return entry, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	v, err, _ := n.group.Do(trackID, func() (any, error) {
		// A racing caller may have completed the write while this one
		// queued behind the flight.
		if entry, err := n.lookup(ctx, trackID); err == nil {
			return entry, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return n.fetchAndPersist(ctx, adminID, trackID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// lookup reads an entry from the store.
func (n *Normalizer) lookup(ctx context.Context, trackID string) (*Entry, error) {
	item, err := n.store.Get(ctx, trackPartition, trackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading catalog entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return nil, fmt.Errorf("decoding catalog entry: %w", err)
	}
	return &entry, nil
}

// fetchAndPersist fetches facts upstream and writes the entry plus any new
// artist, album, and genre rows. Writes are idempotent by identifier: a
// racing writer's completed row is left in place.
func (n *Normalizer) fetchAndPersist(ctx context.Context, adminID, trackID string) (*Entry, error) {
	facts, err := n.source.TrackFacts(ctx, adminID, trackID)
	if err != nil {
		if errors.Is(err, ErrTrackNotFound) {
			return nil, ErrTrackNotFound
		}
		return nil, fmt.Errorf("fetching track facts: %w", err)
	}

	entry := &Entry{
		TrackID:    facts.ID,
		Name:       facts.Name,
		DurationMS: facts.DurationMS,
		AlbumID:    facts.AlbumID,
		AlbumName:  facts.AlbumName,
		CreatedAt:  time.Now().UTC(),
	}

	genreSet := make(map[string]bool)
	for _, artist := range facts.Artists {
		entry.Artists = append(entry.Artists, ArtistRef{ID: artist.ID, Name: artist.Name})
		for _, genre := range artist.Genres {
			if !genreSet[genre] {
				genreSet[genre] = true
				entry.Genres = append(entry.Genres, genre)
			}
		}
	}

	for _, artist := range facts.Artists {
		row := map[string]any{"id": artist.ID, "name": artist.Name, "genres": artist.Genres}
		if err := n.putOnce(ctx, artistPartition, artist.ID, row); err != nil {
			return nil, fmt.Errorf("persisting artist %s: %w", artist.ID, err)
		}
	}
	if facts.AlbumID != "" {
		row := map[string]any{"id": facts.AlbumID, "name": facts.AlbumName}
		if err := n.putOnce(ctx, albumPartition, facts.AlbumID, row); err != nil {
			return nil, fmt.Errorf("persisting album %s: %w", facts.AlbumID, err)
		}
	}
	for _, genre := range entry.Genres {
		if err := n.putOnce(ctx, genrePartition, genre, map[string]any{"name": genre}); err != nil {
			return nil, fmt.Errorf("persisting genre %s: %w", genre, err)
		}
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encoding catalog entry: %w", err)
	}
	if _, err := n.store.Put(ctx, trackPartition, trackID, value, store.VersionAbsent); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			// Lost the create race; the winner wrote identical facts.
			return n.lookup(ctx, trackID)
		}
		return nil, fmt.Errorf("persisting catalog entry: %w", err)
	}
	return entry, nil
}

// putOnce creates a row if absent; an existing row is left untouched.
func (n *Normalizer) putOnce(ctx context.Context, partition, key string, row any) error {
	value, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding row: %w", err)
	}
	_, err = n.store.Put(ctx, partition, key, value, store.VersionAbsent)
	if err != nil && !errors.Is(err, store.ErrVersionMismatch) {
		return err
	}
	return nil
}
