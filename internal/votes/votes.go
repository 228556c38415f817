// Package votes owns the one-vote-per-user-per-record invariant, the
// denormalized counters on track records, and the threshold-removal
// decision. No other component mutates vote-derived counters.
package votes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"crowdqueue/internal/chats"
	"crowdqueue/internal/ledger"
	"crowdqueue/internal/playlist"
	"crowdqueue/internal/store"
)

// Kind is the closed vote type enumeration.
type Kind int8

const (
	// Upvote endorses keeping the track.
	Upvote Kind = iota
	// Downvote counts toward threshold removal.
	Downvote
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Upvote:
		return "upvote"
	case Downvote:
		return "downvote"
	default:
		return fmt.Sprintf("Kind(%d)", int8(k))
	}
}

// Vote is one member's standing vote on a track record.
type Vote struct {
	RecordID  string      `json:"recordId"`
	Voter     ledger.User `json:"voter"`
	Kind      Kind        `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Status classifies a vote mutation.
type Status int

const (
	// Applied means the mutation took effect (or was an idempotent
	// re-application of the same vote).
	Applied Status = iota
	// NoOp means there was nothing to retract.
	NoOp
	// RejectedDeleted means the record is tombstoned and immutable to
	// voting.
	RejectedDeleted
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case NoOp:
		return "no-op"
	case RejectedDeleted:
		return "rejected-deleted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome reports the result of a vote mutation. RemovalTriggered is set on
// the single mutation whose downvote crossed the chat's threshold; the
// caller uses it to announce the removal.
type Outcome struct {
	Status           Status
	Upvotes          int
	Downvotes        int
	RemovalTriggered bool
}

// mutator is the slice of the playlist gateway the engine needs.
type mutator interface {
	Remove(ctx context.Context, playlistID, trackID, adminID string) (playlist.RemoveResult, error)
}

// chatConfigs resolves per-chat curation settings.
type chatConfigs interface {
	Get(ctx context.Context, chatID string) (*chats.Config, error)
}

// Engine applies and retracts votes.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	chats   chatConfigs
	mutator mutator
	log     *log.Logger
}

// New creates an Engine.
func New(s store.Store, l *ledger.Ledger, cfgs chatConfigs, m mutator, logger *log.Logger) *Engine {
	return &Engine{store: s, ledger: l, chats: cfgs, mutator: m, log: logger}
}

// votePartition holds one record's votes, keyed by voter identifier.
func votePartition(recordID string) string {
	return fmt.Sprintf("record/%s/votes", recordID)
}

// maxVoteAttempts bounds the per-voter race loop. Conflicts between
// different voters are absorbed inside the record's conditional update;
// this loop only re-runs when the same voter races themselves.
const maxVoteAttempts = 5

// Apply records a vote. Re-applying the same vote is a no-op; a vote of the
// other type is replaced atomically, moving one count between counters.
func (e *Engine) Apply(ctx context.Context, recordID string, voter ledger.User, kind Kind) (Outcome, error) {
	for attempt := 0; attempt < maxVoteAttempts; attempt++ {
		rec, err := e.ledger.Get(ctx, recordID)
		if err != nil {
			return Outcome{}, err
		}
		if rec.IsDeleted {
			return rejectedOutcome(rec), nil
		}

		existing, version, err := e.getVote(ctx, recordID, voter.ID)
		if err != nil {
			return Outcome{}, err
		}

		var upDelta, downDelta int
		now := time.Now().UTC()
		switch {
		case existing == nil:
			vote := &Vote{RecordID: recordID, Voter: voter, Kind: kind, CreatedAt: now, UpdatedAt: now}
			if err := e.putVote(ctx, vote, store.VersionAbsent); err != nil {
				if errors.Is(err, store.ErrVersionMismatch) {
					continue
				}
				return Outcome{}, err
			}
			upDelta, downDelta = counterDelta(kind, +1)

		case existing.Kind == kind:
			// Duplicate reaction event; nothing to change.
			return Outcome{Status: Applied, Upvotes: rec.Upvotes, Downvotes: rec.Downvotes}, nil

		default:
			prior := *existing
			replaced := *existing
			replaced.Kind = kind
			replaced.UpdatedAt = now
			if err := e.putVote(ctx, &replaced, version); err != nil {
				if errors.Is(err, store.ErrVersionMismatch) {
					continue
				}
				return Outcome{}, err
			}
			oldUp, oldDown := counterDelta(prior.Kind, -1)
			newUp, newDown := counterDelta(kind, +1)
			upDelta, downDelta = oldUp+newUp, oldDown+newDown
			existing = &prior
		}

		return e.commitCounters(ctx, rec, voter, kind, upDelta, downDelta, existing)
	}

	return Outcome{}, fmt.Errorf("applying vote on record %s: %w", recordID, store.ErrTooMuchContention)
}

// Retract withdraws a voter's standing vote.
func (e *Engine) Retract(ctx context.Context, recordID string, voter ledger.User) (Outcome, error) {
	for attempt := 0; attempt < maxVoteAttempts; attempt++ {
		rec, err := e.ledger.Get(ctx, recordID)
		if err != nil {
			return Outcome{}, err
		}
		if rec.IsDeleted {
			return rejectedOutcome(rec), nil
		}

		existing, version, err := e.getVote(ctx, recordID, voter.ID)
		if err != nil {
			return Outcome{}, err
		}
		if existing == nil {
			return Outcome{Status: NoOp, Upvotes: rec.Upvotes, Downvotes: rec.Downvotes}, nil
		}

		if err := e.store.Delete(ctx, votePartition(recordID), voter.ID, version); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return Outcome{}, fmt.Errorf("deleting vote: %w", err)
		}

		upDelta, downDelta := counterDelta(existing.Kind, -1)
		return e.commitCounters(ctx, rec, voter, existing.Kind, upDelta, downDelta, existing)
	}

	return Outcome{}, fmt.Errorf("retracting vote on record %s: %w", recordID, store.ErrTooMuchContention)
}

// commitCounters commits a counter delta against the record under its
// version token. The conditional update that pushes the downvote count to
// the chat's threshold also tombstones the record, so exactly one mutation
// wins the removal regardless of concurrent votes; that winner then clears
// the track from the playlist. Duplicate records carry counters but never
// hold the playlist entry, so they never trigger a removal.
func (e *Engine) commitCounters(ctx context.Context, rec *ledger.TrackRecord, voter ledger.User, kind Kind, upDelta, downDelta int, priorVote *Vote) (Outcome, error) {
	threshold := 0
	var cfg *chats.Config
	if downDelta > 0 {
		var err error
		cfg, err = e.chats.Get(ctx, rec.ChatID)
		if err != nil {
			e.revertVote(ctx, rec.ID, voter, priorVote)
			return Outcome{}, fmt.Errorf("loading chat config: %w", err)
		}
		threshold = cfg.DownvoteThreshold
	}

	errDeleted := errors.New("record tombstoned during commit")
	tombstoned := false
	updated, err := e.ledger.UpdateRecord(ctx, rec.ID, func(r *ledger.TrackRecord) error {
		tombstoned = false
		if r.IsDeleted {
			return errDeleted
		}
		r.Upvotes += upDelta
		r.Downvotes += downDelta
		if threshold > 0 && !r.IsDuplicate && r.Downvotes >= threshold {
			r.IsDeleted = true
			tombstoned = true
		}
		return nil
	})
	if errors.Is(err, errDeleted) {
		// The record was voted off while this mutation was in flight.
		e.revertVote(ctx, rec.ID, voter, priorVote)
		frozen, getErr := e.ledger.Get(ctx, rec.ID)
		if getErr != nil {
			return Outcome{}, getErr
		}
		return rejectedOutcome(frozen), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("committing counters: %w", err)
	}

	outcome := Outcome{Status: Applied, Upvotes: updated.Upvotes, Downvotes: updated.Downvotes}
	if !tombstoned {
		return outcome, nil
	}

	outcome.RemovalTriggered = true
	e.log.Info("downvote threshold reached, removing track",
		"chat", rec.ChatID, "track", rec.TrackID, "downvotes", updated.Downvotes, "threshold", threshold)

	result, removeErr := e.mutator.Remove(ctx, cfg.PlaylistID, rec.TrackID, cfg.AdminID)
	if err := e.ledger.MarkDeleted(ctx, rec.ID); err != nil {
		return outcome, fmt.Errorf("tombstoning record: %w", err)
	}
	if removeErr != nil {
		// The ledger decision stands; the playlist cleanup failed and
		// must reach the administrator.
		e.log.Error("playlist removal failed", "chat", rec.ChatID, "track", rec.TrackID, "err", removeErr)
		return outcome, fmt.Errorf("removing track from playlist: %w", removeErr)
	}
	if result == playlist.NotPresent {
		e.log.Warn("track was already absent from playlist", "chat", rec.ChatID, "track", rec.TrackID)
	}
	return outcome, nil
}

// revertVote undoes a vote-row mutation whose counter commit was rejected,
// restoring the prior row (or its absence). Best effort: a failure here
// leaves a divergence that Recount repairs.
func (e *Engine) revertVote(ctx context.Context, recordID string, voter ledger.User, priorVote *Vote) {
	var err error
	item, getErr := e.store.Get(ctx, votePartition(recordID), voter.ID)
	switch {
	case errors.Is(getErr, store.ErrNotFound):
		if priorVote == nil {
			return
		}
		err = e.putVote(ctx, priorVote, store.VersionAbsent)
	case getErr != nil:
		err = getErr
	case priorVote == nil:
		err = e.store.Delete(ctx, votePartition(recordID), voter.ID, item.Version)
	default:
		err = e.putVote(ctx, priorVote, item.Version)
	}
	if err != nil {
		e.log.Warn("could not revert vote row", "record", recordID, "voter", voter.ID, "err", err)
	}
}

// Recount recomputes a record's counters from its live vote rows. It is a
// repair routine for the reconcilable-counter invariant and leaves
// tombstoned records frozen.
func (e *Engine) Recount(ctx context.Context, recordID string) (*ledger.TrackRecord, error) {
	items, err := e.store.Scan(ctx, votePartition(recordID))
	if err != nil {
		return nil, fmt.Errorf("scanning votes: %w", err)
	}

	up, down := 0, 0
	for _, item := range items {
		var vote Vote
		if err := json.Unmarshal(item.Value, &vote); err != nil {
			return nil, fmt.Errorf("decoding vote: %w", err)
		}
		switch vote.Kind {
		case Upvote:
			up++
		case Downvote:
			down++
		}
	}

	return e.ledger.UpdateRecord(ctx, recordID, func(r *ledger.TrackRecord) error {
		if r.IsDeleted {
			return store.ErrNoChange
		}
		if r.Upvotes == up && r.Downvotes == down {
			return store.ErrNoChange
		}
		r.Upvotes = up
		r.Downvotes = down
		return nil
	})
}

// Votes returns the live vote rows for a record.
func (e *Engine) Votes(ctx context.Context, recordID string) ([]Vote, error) {
	items, err := e.store.Scan(ctx, votePartition(recordID))
	if err != nil {
		return nil, fmt.Errorf("scanning votes: %w", err)
	}
	votes := make([]Vote, 0, len(items))
	for _, item := range items {
		var vote Vote
		if err := json.Unmarshal(item.Value, &vote); err != nil {
			return nil, fmt.Errorf("decoding vote: %w", err)
		}
		votes = append(votes, vote)
	}
	return votes, nil
}

// getVote reads a voter's row. Absent rows return (nil, VersionAbsent).
func (e *Engine) getVote(ctx context.Context, recordID, voterID string) (*Vote, int64, error) {
	item, err := e.store.Get(ctx, votePartition(recordID), voterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.VersionAbsent, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading vote: %w", err)
	}
	var vote Vote
	if err := json.Unmarshal(item.Value, &vote); err != nil {
		return nil, 0, fmt.Errorf("decoding vote: %w", err)
	}
	return &vote, item.Version, nil
}

// putVote writes a vote row conditioned on version.
func (e *Engine) putVote(ctx context.Context, vote *Vote, version int64) error {
	value, err := json.Marshal(vote)
	if err != nil {
		return fmt.Errorf("encoding vote: %w", err)
	}
	if _, err := e.store.Put(ctx, votePartition(vote.RecordID), vote.Voter.ID, value, version); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return err
		}
		return fmt.Errorf("writing vote: %w", err)
	}
	return nil
}

// counterDelta maps a vote kind and direction onto (up, down) deltas.
func counterDelta(kind Kind, direction int) (up, down int) {
	if kind == Upvote {
		return direction, 0
	}
	return 0, direction
}

// rejectedOutcome freezes the counters of a tombstoned record.
func rejectedOutcome(rec *ledger.TrackRecord) Outcome {
	return Outcome{Status: RejectedDeleted, Upvotes: rec.Upvotes, Downvotes: rec.Downvotes}
}
