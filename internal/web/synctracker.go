package web

import (
	"sync"

	"crowdqueue/internal/curator"
)

// Sync job states.
const (
	syncRunning = "running"
	syncDone    = "done"
	syncFailed  = "failed"
)

// syncStatus is the reported state of a chat's most recent history sync.
// Instances are immutable once published.
type syncStatus struct {
	State   string               `json:"state"`
	Summary *curator.SyncSummary `json:"summary,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// syncTracker follows one detached history sync per chat and keeps the last
// result around for polling.
type syncTracker struct {
	mu   sync.Mutex
	jobs map[string]*syncStatus
}

func newSyncTracker() *syncTracker {
	return &syncTracker{jobs: make(map[string]*syncStatus)}
}

// begin claims the chat's sync slot. A chat with a running job is refused.
func (s *syncTracker) begin(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[chatID]; ok && job.State == syncRunning {
		return false
	}
	s.jobs[chatID] = &syncStatus{State: syncRunning}
	return true
}

// finish records the outcome of the chat's sync.
func (s *syncTracker) finish(chatID string, summary curator.SyncSummary, err error) {
	status := &syncStatus{State: syncDone, Summary: &summary}
	if err != nil {
		status.State = syncFailed
		status.Error = err.Error()
	}
	s.mu.Lock()
	s.jobs[chatID] = status
	s.mu.Unlock()
}

// get returns the chat's latest sync status.
func (s *syncTracker) get(chatID string) (*syncStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[chatID]
	return job, ok
}
