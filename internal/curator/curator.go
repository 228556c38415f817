// Package curator wires the share/vote lifecycle together: URL extraction,
// catalog normalization, the track ledger, vote tallying, and playlist
// mutation. It is the surface consumed by the webhook and command handlers.
package curator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"crowdqueue/internal/catalog"
	"crowdqueue/internal/chats"
	"crowdqueue/internal/extract"
	"crowdqueue/internal/ledger"
	"crowdqueue/internal/playlist"
	"crowdqueue/internal/store"
	"crowdqueue/internal/votes"
)

// Common errors.
var (
	// ErrSyncInProgress is returned when a history sync is requested for a
	// chat whose previous sync is still running.
	ErrSyncInProgress = errors.New("history sync already running for chat")
)

// playlistAdder is the slice of the playlist gateway shares need.
type playlistAdder interface {
	Add(ctx context.Context, playlistID, trackID, adminID string) (playlist.AddResult, error)
}

// Service exposes the curation lifecycle to transport adapters.
type Service struct {
	log     *log.Logger
	catalog *catalog.Normalizer
	ledger  *ledger.Ledger
	votes   *votes.Engine
	adder   playlistAdder
	chats   *chats.Repo
	store   store.Store
	locks   chatLocks
}

// New creates a Service.
func New(logger *log.Logger, normalizer *catalog.Normalizer, l *ledger.Ledger, engine *votes.Engine, adder playlistAdder, repo *chats.Repo, s store.Store) *Service {
	return &Service{
		log:     logger,
		catalog: normalizer,
		ledger:  l,
		votes:   engine,
		adder:   adder,
		chats:   repo,
		store:   s,
	}
}

// ShareOutcome reports what happened to one track reference in a shared
// message, for reply composition by the caller.
type ShareOutcome struct {
	TrackID string
	Result  ledger.ShareResult
	Record  *ledger.TrackRecord
	Entry   *catalog.Entry
	Added   playlist.AddResult
	Err     error
}

// ShareDetected processes a chat message that may contain track links. Each
// referenced track is normalized, recorded, and, when newly active, added
// to the chat's playlist. Per-track failures are reported in the outcome
// and do not abort the other tracks in the message.
func (s *Service) ShareDetected(ctx context.Context, chatID, rawText string, sharer ledger.User, messageRef string, sharedAt time.Time) ([]ShareOutcome, error) {
	trackIDs := extract.TrackIDs(rawText)
	if len(trackIDs) == 0 {
		return nil, nil
	}

	cfg, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}

	// Shares run concurrently with each other but not with a history sync
	// for the same chat, which would scramble replay ordering.
	lock := s.locks.get(chatID)
	lock.mu.RLock()
	defer lock.mu.RUnlock()

	outcomes := make([]ShareOutcome, 0, len(trackIDs))
	for _, trackID := range trackIDs {
		outcomes = append(outcomes, s.processShare(ctx, cfg, trackID, sharer, messageRef, sharedAt))
	}
	return outcomes, nil
}

// processShare runs one track through the normalize-record-add pipeline.
func (s *Service) processShare(ctx context.Context, cfg *chats.Config, trackID string, sharer ledger.User, messageRef string, sharedAt time.Time) ShareOutcome {
	outcome := ShareOutcome{TrackID: trackID}

	entry, err := s.catalog.Ensure(ctx, cfg.AdminID, trackID)
	if err != nil {
		outcome.Err = fmt.Errorf("normalizing track: %w", err)
		return outcome
	}
	outcome.Entry = entry

	result, rec, err := s.ledger.RecordShare(ctx, cfg.ChatID, trackID, sharer, messageRef, sharedAt)
	if err != nil {
		outcome.Err = fmt.Errorf("recording share: %w", err)
		return outcome
	}
	outcome.Result = result
	outcome.Record = rec

	switch result {
	case ledger.Created:
		added, err := s.adder.Add(ctx, cfg.PlaylistID, trackID, cfg.AdminID)
		outcome.Added = added
		if err != nil {
			outcome.Err = fmt.Errorf("adding to playlist: %w", err)
		}
	case ledger.AlreadyActive:
		s.log.Debug("duplicate share kept as history", "chat", cfg.ChatID, "track", trackID)
	case ledger.WasPreviouslyRemoved:
		s.log.Debug("share of previously removed track rejected", "chat", cfg.ChatID, "track", trackID)
	}
	return outcome
}

// VoteReceived applies a vote and reports the new counters and whether the
// vote pushed the track off the playlist.
func (s *Service) VoteReceived(ctx context.Context, recordID string, voter ledger.User, kind votes.Kind) (votes.Outcome, error) {
	return s.votes.Apply(ctx, recordID, voter, kind)
}

// VoteRetracted withdraws a vote.
func (s *Service) VoteRetracted(ctx context.Context, recordID string, voter ledger.User) (votes.Outcome, error) {
	return s.votes.Retract(ctx, recordID, voter)
}

// chatLock serializes a chat's history sync against its live shares. Sync
// replay takes the write side; shares take the read side. The syncing flag
// claims the sync before it waits for in-flight shares to drain, so only a
// second sync is rejected, never a sync that is merely queued behind shares.
type chatLock struct {
	mu      sync.RWMutex
	syncing atomic.Bool
}

// chatLocks hands out one lock per chat, so chats stay independent and
// shares within a chat stay concurrent.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

func (c *chatLocks) get(chatID string) *chatLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks == nil {
		c.locks = make(map[string]*chatLock)
	}
	lock, ok := c.locks[chatID]
	if !ok {
		lock = &chatLock{}
		c.locks[chatID] = lock
	}
	return lock
}
