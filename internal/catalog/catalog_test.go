package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"crowdqueue/internal/store"
)

// fakeSource implements Source for testing.
type fakeSource struct {
	facts      map[string]Facts
	errs       map[string]error
	fetchCount atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		facts: make(map[string]Facts),
		errs:  make(map[string]error),
	}
}

func (f *fakeSource) TrackFacts(ctx context.Context, adminID, trackID string) (Facts, error) {
	f.fetchCount.Add(1)
	if err, ok := f.errs[trackID]; ok {
		return Facts{}, err
	}
	if facts, ok := f.facts[trackID]; ok {
		return facts, nil
	}
	return Facts{}, ErrTrackNotFound
}

func testFacts(id string) Facts {
	return Facts{
		ID:         id,
		Name:       "Seven Nation Army",
		DurationMS: 231000,
		Artists: []ArtistFacts{
			{ID: "artist1", Name: "The White Stripes", Genres: []string{"garage rock", "alternative rock"}},
		},
		AlbumID:   "album1",
		AlbumName: "Elephant",
	}
}

func TestEnsureFetchesAndPersistsOnMiss(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	src := newFakeSource()
	src.facts["track1"] = testFacts("track1")
	n := NewNormalizer(s, src)

	entry, err := n.Ensure(ctx, "admin", "track1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if entry.Name != "Seven Nation Army" {
		t.Errorf("entry.Name = %q", entry.Name)
	}
	if len(entry.Genres) != 2 {
		t.Errorf("entry.Genres = %v, want 2 genres", entry.Genres)
	}

	// Artist, album, and genre rows exist.
	if _, err := s.Get(ctx, artistPartition, "artist1"); err != nil {
		t.Errorf("artist row: %v", err)
	}
	if _, err := s.Get(ctx, albumPartition, "album1"); err != nil {
		t.Errorf("album row: %v", err)
	}
	if _, err := s.Get(ctx, genrePartition, "garage rock"); err != nil {
		t.Errorf("genre row: %v", err)
	}

	// Second Ensure is served from the catalog.
	if _, err := n.Ensure(ctx, "admin", "track1"); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if got := src.fetchCount.Load(); got != 1 {
		t.Errorf("fetch count = %d, want 1", got)
	}
}

func TestEnsureCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	src := newFakeSource()
	src.facts["track1"] = testFacts("track1")
	n := NewNormalizer(s, src)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := n.Ensure(ctx, "admin", "track1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Ensure: %v", err)
	}

	// All sixteen callers either shared one flight or found the winner's
	// completed row; the fetch count must stay far below the caller count.
	if got := src.fetchCount.Load(); got < 1 || got > 2 {
		t.Errorf("fetch count = %d, want 1 or 2", got)
	}
}

func TestEnsureTrackNotFound(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	n := NewNormalizer(s, newFakeSource())

	_, err := n.Ensure(ctx, "admin", "missing")
	if !errors.Is(err, ErrTrackNotFound) {
		t.Fatalf("Ensure error = %v, want ErrTrackNotFound", err)
	}

	// Fail fast: no partial catalog rows.
	items, scanErr := s.Scan(ctx, trackPartition)
	if scanErr != nil {
		t.Fatalf("scanning: %v", scanErr)
	}
	if len(items) != 0 {
		t.Errorf("catalog has %d entries after failed fetch, want 0", len(items))
	}
}

func TestEnsureUpstreamErrorPropagates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	src := newFakeSource()
	upstreamErr := errors.New("upstream unavailable")
	src.errs["track1"] = upstreamErr
	n := NewNormalizer(s, src)

	_, err := n.Ensure(ctx, "admin", "track1")
	if !errors.Is(err, upstreamErr) {
		t.Fatalf("Ensure error = %v, want wrapped upstream error", err)
	}
}
