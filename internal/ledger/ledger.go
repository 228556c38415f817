// Package ledger keeps the per-chat log of track sharing events. It owns
// record identity, de-duplication, and deletion state. Records are never
// physically removed; deletion is a tombstone flag.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crowdqueue/internal/store"
)

// Common errors.
var (
	// ErrRecordNotFound is returned when no record matches the lookup.
	ErrRecordNotFound = errors.New("track record not found")
)

const recordPartition = "records"

// statusPartition holds the per-(chat, track) pointer that enforces the
// single-active-record invariant.
func statusPartition(chatID string) string {
	return fmt.Sprintf("chat/%s/tracks", chatID)
}

// User identifies a chat member.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// TrackRecord is one sharing event of a track within one chat.
type TrackRecord struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	TrackID     string    `json:"trackId"`
	Sharer      User      `json:"sharer"`
	MessageRef  string    `json:"messageRef"`
	SharedAt    time.Time `json:"sharedAt"`
	IsDeleted   bool      `json:"isDeleted"`
	IsDuplicate bool      `json:"isDuplicate"`
	Upvotes     int       `json:"upvoteCount"`
	Downvotes   int       `json:"downvoteCount"`
}

// trackStatus is the per-(chat, track) pointer row. ActiveRecordID is empty
// when no active record exists; Removed is permanent once set.
type trackStatus struct {
	ActiveRecordID string `json:"activeRecordId"`
	Removed        bool   `json:"removed"`
}

// ShareResult classifies the outcome of RecordShare.
type ShareResult int

const (
	// Created means a new active record was written.
	Created ShareResult = iota
	// AlreadyActive means the track already has an active record in the
	// chat; the share was kept as a duplicate tombstone.
	AlreadyActive
	// WasPreviouslyRemoved means the track was voted off this chat's
	// playlist earlier and is barred from re-entry.
	WasPreviouslyRemoved
)

// String implements fmt.Stringer.
func (r ShareResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyActive:
		return "already-active"
	case WasPreviouslyRemoved:
		return "previously-removed"
	default:
		return fmt.Sprintf("ShareResult(%d)", int(r))
	}
}

// Ledger provides track record storage over the key-value store.
type Ledger struct {
	store store.Store
}

// New creates a Ledger.
func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// maxShareAttempts bounds the status-pointer race loop in RecordShare.
const maxShareAttempts = 5

// RecordShare records one sharing event. For a track with an active record
// it appends a duplicate tombstone and returns AlreadyActive together with
// the existing active record. For a previously removed track it writes
// nothing and returns WasPreviouslyRemoved. Otherwise it creates the new
// active record and returns it with Created.
func (l *Ledger) RecordShare(ctx context.Context, chatID, trackID string, sharer User, messageRef string, sharedAt time.Time) (ShareResult, *TrackRecord, error) {
	for attempt := 0; attempt < maxShareAttempts; attempt++ {
		status, version, err := l.getStatus(ctx, chatID, trackID)
		if err != nil {
			return 0, nil, err
		}

		if status.Removed {
			return WasPreviouslyRemoved, nil, nil
		}

		if status.ActiveRecordID != "" {
			active, err := l.Get(ctx, status.ActiveRecordID)
			if err != nil {
				return 0, nil, fmt.Errorf("loading active record: %w", err)
			}
			if active.IsDeleted {
				// Removal decided but the status row has not caught up
				// yet; MarkDeleted will set the permanent mark.
				return WasPreviouslyRemoved, nil, nil
			}
			dup := &TrackRecord{
				ID:          uuid.NewString(),
				ChatID:      chatID,
				TrackID:     trackID,
				Sharer:      sharer,
				MessageRef:  messageRef,
				SharedAt:    sharedAt,
				IsDuplicate: true,
			}
			if err := l.putRecord(ctx, dup, store.VersionAbsent); err != nil {
				return 0, nil, fmt.Errorf("writing duplicate record: %w", err)
			}
			return AlreadyActive, active, nil
		}

		rec := &TrackRecord{
			ID:         uuid.NewString(),
			ChatID:     chatID,
			TrackID:    trackID,
			Sharer:     sharer,
			MessageRef: messageRef,
			SharedAt:   sharedAt,
		}
		if err := l.putRecord(ctx, rec, store.VersionAbsent); err != nil {
			return 0, nil, fmt.Errorf("writing record: %w", err)
		}

		status.ActiveRecordID = rec.ID
		if err := l.putStatus(ctx, chatID, trackID, status, version); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				// A concurrent share won the pointer. This record
				// becomes the duplicate tombstone for the event.
				if _, demoteErr := l.UpdateRecord(ctx, rec.ID, func(r *TrackRecord) error {
					r.IsDuplicate = true
					return nil
				}); demoteErr != nil {
					return 0, nil, fmt.Errorf("demoting raced record: %w", demoteErr)
				}
				status, _, err := l.getStatus(ctx, chatID, trackID)
				if err != nil {
					return 0, nil, err
				}
				if status.Removed {
					return WasPreviouslyRemoved, nil, nil
				}
				if status.ActiveRecordID != "" {
					active, err := l.Get(ctx, status.ActiveRecordID)
					if err != nil {
						return 0, nil, fmt.Errorf("loading active record: %w", err)
					}
					if active.IsDeleted {
						return WasPreviouslyRemoved, nil, nil
					}
					return AlreadyActive, active, nil
				}
				continue
			}
			return 0, nil, err
		}
		return Created, rec, nil
	}

	return 0, nil, fmt.Errorf("recording share for chat %s track %s: %w", chatID, trackID, store.ErrTooMuchContention)
}

// MarkDeleted tombstones a record and permanently bars its (chat, track)
// pair from re-entry. Repeated calls are no-ops.
func (l *Ledger) MarkDeleted(ctx context.Context, recordID string) error {
	rec, err := l.Get(ctx, recordID)
	if err != nil {
		return err
	}

	if !rec.IsDeleted {
		rec, err = l.UpdateRecord(ctx, recordID, func(r *TrackRecord) error {
			if r.IsDeleted {
				return store.ErrNoChange
			}
			r.IsDeleted = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("tombstoning record: %w", err)
		}
	}

	// Duplicates never hold the active pointer, so the status row is only
	// touched when an active record is deleted.
	if rec.IsDuplicate {
		return nil
	}

	_, err = store.UpdateWithRetry(ctx, l.store, statusPartition(rec.ChatID), rec.TrackID, func(current []byte) ([]byte, error) {
		var status trackStatus
		if current != nil {
			if err := json.Unmarshal(current, &status); err != nil {
				return nil, fmt.Errorf("decoding track status: %w", err)
			}
		}
		if status.Removed && status.ActiveRecordID == "" {
			return nil, store.ErrNoChange
		}
		if status.ActiveRecordID == rec.ID || status.ActiveRecordID == "" {
			status.ActiveRecordID = ""
			status.Removed = true
		}
		return json.Marshal(status)
	})
	if err != nil {
		return fmt.Errorf("updating track status: %w", err)
	}
	return nil
}

// Get returns the record with the given identifier.
func (l *Ledger) Get(ctx context.Context, recordID string) (*TrackRecord, error) {
	item, err := l.store.Get(ctx, recordPartition, recordID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	var rec TrackRecord
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

// GetActive returns the chat's active record for a track, or
// ErrRecordNotFound when the track has none.
func (l *Ledger) GetActive(ctx context.Context, chatID, trackID string) (*TrackRecord, error) {
	status, _, err := l.getStatus(ctx, chatID, trackID)
	if err != nil {
		return nil, err
	}
	if status.ActiveRecordID == "" {
		return nil, ErrRecordNotFound
	}
	return l.Get(ctx, status.ActiveRecordID)
}

// WasRemoved reports whether the (chat, track) pair carries the permanent
// removal mark.
func (l *Ledger) WasRemoved(ctx context.Context, chatID, trackID string) (bool, error) {
	status, _, err := l.getStatus(ctx, chatID, trackID)
	if err != nil {
		return false, err
	}
	return status.Removed, nil
}

// UpdateRecord applies mutate to a record under the conditional-write retry
// discipline and returns the committed state. The mutate function may
// return store.ErrNoChange to leave the record untouched.
func (l *Ledger) UpdateRecord(ctx context.Context, recordID string, mutate func(*TrackRecord) error) (*TrackRecord, error) {
	value, err := store.UpdateWithRetry(ctx, l.store, recordPartition, recordID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrRecordNotFound
		}
		var rec TrackRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		if err := mutate(&rec); err != nil {
			return nil, err
		}
		return json.Marshal(&rec)
	})
	if err != nil {
		return nil, err
	}
	var rec TrackRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("decoding committed record: %w", err)
	}
	return &rec, nil
}

// getStatus reads the status pointer for (chat, track). An absent row is
// returned as the zero status with store.VersionAbsent.
func (l *Ledger) getStatus(ctx context.Context, chatID, trackID string) (trackStatus, int64, error) {
	item, err := l.store.Get(ctx, statusPartition(chatID), trackID)
	if errors.Is(err, store.ErrNotFound) {
		return trackStatus{}, store.VersionAbsent, nil
	}
	if err != nil {
		return trackStatus{}, 0, fmt.Errorf("reading track status: %w", err)
	}
	var status trackStatus
	if err := json.Unmarshal(item.Value, &status); err != nil {
		return trackStatus{}, 0, fmt.Errorf("decoding track status: %w", err)
	}
	return status, item.Version, nil
}

// putStatus writes the status pointer conditioned on version.
func (l *Ledger) putStatus(ctx context.Context, chatID, trackID string, status trackStatus, version int64) error {
	value, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding track status: %w", err)
	}
	if _, err := l.store.Put(ctx, statusPartition(chatID), trackID, value, version); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return err
		}
		return fmt.Errorf("writing track status: %w", err)
	}
	return nil
}

// putRecord writes a record conditioned on version.
func (l *Ledger) putRecord(ctx context.Context, rec *TrackRecord, version int64) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if _, err := l.store.Put(ctx, recordPartition, rec.ID, value, version); err != nil {
		return err
	}
	return nil
}
