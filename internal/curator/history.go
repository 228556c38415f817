package curator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crowdqueue/internal/extract"
	"crowdqueue/internal/ledger"
	"crowdqueue/internal/store"
)

// checkpointPartition holds one resumable sync checkpoint per chat.
const checkpointPartition = "sync/checkpoints"

// HistoryEvent is one archived chat message replayed during a sync.
type HistoryEvent struct {
	Sharer     ledger.User `json:"sharer"`
	Text       string      `json:"text"`
	MessageRef string      `json:"messageRef"`
	Timestamp  time.Time   `json:"timestamp"`
}

// SyncSummary tallies what a history sync did.
type SyncSummary struct {
	Added                    int `json:"added"`
	SkippedDuplicate         int `json:"skippedDuplicate"`
	SkippedPreviouslyRemoved int `json:"skippedPreviouslyRemoved"`
	Failed                   int `json:"failed"`
}

// syncCheckpoint records progress through an event batch so an interrupted
// sync resumes where it stopped instead of replaying from the start.
type syncCheckpoint struct {
	Processed int         `json:"processed"`
	Summary   SyncSummary `json:"summary"`
}

// TriggerHistorySync replays a chat's archived messages in chronological
// order through the share pipeline. The regular de-duplication and removal
// rules apply, so a track shared twice in the archive counts once and a
// previously removed track stays out. A failure on one track is tallied and
// the replay continues; cancellation checkpoints progress and returns.
//
// At most one sync runs per chat; a second call while one is running
// returns ErrSyncInProgress. Live shares for the chat wait until the sync
// completes.
func (s *Service) TriggerHistorySync(ctx context.Context, chatID string, events []HistoryEvent) (SyncSummary, error) {
	cfg, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return SyncSummary{}, err
	}

	lock := s.locks.get(chatID)
	if !lock.syncing.CompareAndSwap(false, true) {
		return SyncSummary{}, ErrSyncInProgress
	}
	defer lock.syncing.Store(false)

	// Waits for in-flight shares to drain, then blocks new ones.
	lock.mu.Lock()
	defer lock.mu.Unlock()

	checkpoint, version, err := s.loadCheckpoint(ctx, chatID)
	if err != nil {
		return SyncSummary{}, err
	}
	if checkpoint.Processed > len(events) {
		// The saved checkpoint belongs to a different batch; start over.
		checkpoint = syncCheckpoint{}
	}
	summary := checkpoint.Summary

	for i := checkpoint.Processed; i < len(events); i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		event := events[i]
		for _, trackID := range extract.TrackIDs(event.Text) {
			outcome := s.processShare(ctx, cfg, trackID, event.Sharer, event.MessageRef, event.Timestamp)
			switch {
			case outcome.Err != nil:
				summary.Failed++
				s.log.Warn("history sync track failed", "chat", chatID, "track", trackID, "err", outcome.Err)
			case outcome.Result == ledger.Created:
				summary.Added++
			case outcome.Result == ledger.AlreadyActive:
				summary.SkippedDuplicate++
			case outcome.Result == ledger.WasPreviouslyRemoved:
				summary.SkippedPreviouslyRemoved++
			}
		}

		checkpoint = syncCheckpoint{Processed: i + 1, Summary: summary}
		version, err = s.saveCheckpoint(ctx, chatID, checkpoint, version)
		if err != nil {
			return summary, err
		}
	}

	if err := s.clearCheckpoint(ctx, chatID, version); err != nil {
		return summary, err
	}

	s.log.Info("history sync finished", "chat", chatID,
		"added", summary.Added,
		"skippedDuplicate", summary.SkippedDuplicate,
		"skippedPreviouslyRemoved", summary.SkippedPreviouslyRemoved,
		"failed", summary.Failed)
	return summary, nil
}

// loadCheckpoint reads the chat's sync checkpoint, returning the zero
// checkpoint with store.VersionAbsent when none exists.
func (s *Service) loadCheckpoint(ctx context.Context, chatID string) (syncCheckpoint, int64, error) {
	item, err := s.store.Get(ctx, checkpointPartition, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return syncCheckpoint{}, store.VersionAbsent, nil
	}
	if err != nil {
		return syncCheckpoint{}, 0, fmt.Errorf("reading sync checkpoint: %w", err)
	}
	var checkpoint syncCheckpoint
	if err := json.Unmarshal(item.Value, &checkpoint); err != nil {
		return syncCheckpoint{}, 0, fmt.Errorf("decoding sync checkpoint: %w", err)
	}
	return checkpoint, item.Version, nil
}

// saveCheckpoint writes the checkpoint conditioned on version and returns
// the new version.
func (s *Service) saveCheckpoint(ctx context.Context, chatID string, checkpoint syncCheckpoint, version int64) (int64, error) {
	value, err := json.Marshal(checkpoint)
	if err != nil {
		return 0, fmt.Errorf("encoding sync checkpoint: %w", err)
	}
	next, err := s.store.Put(ctx, checkpointPartition, chatID, value, version)
	if err != nil {
		return 0, fmt.Errorf("writing sync checkpoint: %w", err)
	}
	return next, nil
}

// clearCheckpoint removes the checkpoint once a sync completes.
func (s *Service) clearCheckpoint(ctx context.Context, chatID string, version int64) error {
	if version == store.VersionAbsent {
		return nil
	}
	err := s.store.Delete(ctx, checkpointPartition, chatID, version)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clearing sync checkpoint: %w", err)
	}
	return nil
}
