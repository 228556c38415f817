package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crowdqueue/internal/store"
)

var (
	alice = User{ID: "u1", DisplayName: "Alice"}
	bob   = User{ID: "u2", DisplayName: "Bob"}
)

func newTestLedger() (*Ledger, *store.Memory) {
	s := store.NewMemory()
	return New(s), s
}

func TestRecordShareCreates(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	sharedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	result, rec, err := l.RecordShare(ctx, "chat1", "track1", alice, "msg1", sharedAt)
	if err != nil {
		t.Fatalf("RecordShare: %v", err)
	}
	if result != Created {
		t.Fatalf("result = %v, want Created", result)
	}
	if rec.ChatID != "chat1" || rec.TrackID != "track1" || rec.Sharer != alice {
		t.Errorf("record = %+v", rec)
	}
	if rec.IsDeleted || rec.IsDuplicate {
		t.Errorf("new record has flags set: %+v", rec)
	}

	active, err := l.GetActive(ctx, "chat1", "track1")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active.ID != rec.ID {
		t.Errorf("active record = %s, want %s", active.ID, rec.ID)
	}
}

func TestRecordShareDuplicate(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	_, first, err := l.RecordShare(ctx, "chat1", "track1", alice, "msg1", time.Now())
	if err != nil {
		t.Fatalf("first share: %v", err)
	}

	result, rec, err := l.RecordShare(ctx, "chat1", "track1", bob, "msg2", time.Now())
	if err != nil {
		t.Fatalf("second share: %v", err)
	}
	if result != AlreadyActive {
		t.Fatalf("result = %v, want AlreadyActive", result)
	}
	if rec.ID != first.ID {
		t.Errorf("returned record = %s, want existing active %s", rec.ID, first.ID)
	}

	// The duplicate event is preserved as its own record.
	items, err := listRecords(ctx, l)
	if err != nil {
		t.Fatalf("listing records: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("record count = %d, want 2", len(items))
	}
	dupes := 0
	for _, r := range items {
		if r.IsDuplicate {
			dupes++
			if r.Sharer != bob {
				t.Errorf("duplicate sharer = %+v, want bob", r.Sharer)
			}
		}
	}
	if dupes != 1 {
		t.Errorf("duplicate count = %d, want 1", dupes)
	}
}

func TestRecordShareAfterRemoval(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	_, rec, err := l.RecordShare(ctx, "chat1", "track1", alice, "msg1", time.Now())
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := l.MarkDeleted(ctx, rec.ID); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	result, got, err := l.RecordShare(ctx, "chat1", "track1", bob, "msg2", time.Now())
	if err != nil {
		t.Fatalf("share after removal: %v", err)
	}
	if result != WasPreviouslyRemoved {
		t.Fatalf("result = %v, want WasPreviouslyRemoved", result)
	}
	if got != nil {
		t.Errorf("record = %+v, want nil", got)
	}

	// No new record was written.
	items, err := listRecords(ctx, l)
	if err != nil {
		t.Fatalf("listing records: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("record count = %d, want 1", len(items))
	}
}

func TestRecordShareSameTrackDifferentChats(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	for _, chat := range []string{"chat1", "chat2"} {
		result, _, err := l.RecordShare(ctx, chat, "track1", alice, "msg", time.Now())
		if err != nil {
			t.Fatalf("share in %s: %v", chat, err)
		}
		if result != Created {
			t.Errorf("share in %s = %v, want Created", chat, result)
		}
	}
}

func TestMarkDeletedIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	_, rec, err := l.RecordShare(ctx, "chat1", "track1", alice, "msg1", time.Now())
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := l.MarkDeleted(ctx, rec.ID); err != nil {
			t.Fatalf("MarkDeleted call %d: %v", i+1, err)
		}
	}

	got, err := l.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsDeleted {
		t.Error("record not tombstoned")
	}
	if _, err := l.GetActive(ctx, "chat1", "track1"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("GetActive after delete = %v, want ErrRecordNotFound", err)
	}
	removed, err := l.WasRemoved(ctx, "chat1", "track1")
	if err != nil {
		t.Fatalf("WasRemoved: %v", err)
	}
	if !removed {
		t.Error("track not marked removed")
	}
}

// TestSingleActiveRecordUnderConcurrentShares drives many simultaneous
// shares of the same track and checks that exactly one record ends up
// active, the rest demoted to duplicates.
func TestSingleActiveRecordUnderConcurrentShares(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	const sharers = 12
	var wg sync.WaitGroup
	results := make([]ShareResult, sharers)
	errs := make([]error, sharers)
	for i := 0; i < sharers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = l.RecordShare(ctx, "chat1", "track1", alice, "msg", time.Now())
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < sharers; i++ {
		if errs[i] != nil {
			t.Fatalf("share %d: %v", i, errs[i])
		}
		if results[i] == Created {
			created++
		}
	}
	if created != 1 {
		t.Errorf("Created results = %d, want 1", created)
	}

	items, err := listRecords(ctx, l)
	if err != nil {
		t.Fatalf("listing records: %v", err)
	}
	active := 0
	for _, r := range items {
		if !r.IsDeleted && !r.IsDuplicate {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active records = %d, want 1", active)
	}
}

// TestRecordShareDuringRemovalWindow tombstones the record without updating
// the status row, the state a share can observe between a threshold
// decision and the status catching up. The share must classify the track as
// removed, not as an active duplicate.
func TestRecordShareDuringRemovalWindow(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	_, rec, err := l.RecordShare(ctx, "chat1", "track1", alice, "msg1", time.Now())
	if err != nil {
		t.Fatalf("RecordShare: %v", err)
	}
	if _, err := l.UpdateRecord(ctx, rec.ID, func(r *TrackRecord) error {
		r.IsDeleted = true
		return nil
	}); err != nil {
		t.Fatalf("tombstoning record: %v", err)
	}

	result, got, err := l.RecordShare(ctx, "chat1", "track1", bob, "msg2", time.Now())
	if err != nil {
		t.Fatalf("share in removal window: %v", err)
	}
	if result != WasPreviouslyRemoved {
		t.Errorf("result = %v, want WasPreviouslyRemoved", result)
	}
	if got != nil {
		t.Errorf("record = %+v, want nil", got)
	}

	recs, err := listRecords(ctx, l)
	if err != nil {
		t.Fatalf("listing records: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("records = %d, want 1 (no duplicate written)", len(recs))
	}
}

func TestGetUnknownRecord(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	if _, err := l.Get(ctx, "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Get = %v, want ErrRecordNotFound", err)
	}
	if err := l.MarkDeleted(ctx, "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("MarkDeleted = %v, want ErrRecordNotFound", err)
	}
}

// listRecords scans every stored record via the ledger's store partition.
func listRecords(ctx context.Context, l *Ledger) ([]*TrackRecord, error) {
	items, err := l.store.Scan(ctx, recordPartition)
	if err != nil {
		return nil, err
	}
	records := make([]*TrackRecord, 0, len(items))
	for _, item := range items {
		rec, err := l.Get(ctx, item.Key)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
