package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"crowdqueue/internal/chats"
	"crowdqueue/internal/creds"
	"crowdqueue/internal/curator"
	"crowdqueue/internal/ledger"
	"crowdqueue/internal/playlist"
	"crowdqueue/internal/store"
	"crowdqueue/internal/votes"
)

// fakeCurator returns canned results and records the last call.
type fakeCurator struct {
	shareOutcomes []curator.ShareOutcome
	shareErr      error
	voteOutcome   votes.Outcome
	voteErr       error
	syncSummary   curator.SyncSummary
	syncErr       error
	syncStarted   chan struct{} // signaled when a sync begins, if set
	syncRelease   chan struct{} // sync blocks until closed, if set

	lastChatID   string
	lastRecordID string
	lastKind     votes.Kind
	lastEvents   []curator.HistoryEvent
}

func (f *fakeCurator) ShareDetected(ctx context.Context, chatID, rawText string, sharer ledger.User, messageRef string, sharedAt time.Time) ([]curator.ShareOutcome, error) {
	f.lastChatID = chatID
	return f.shareOutcomes, f.shareErr
}

func (f *fakeCurator) VoteReceived(ctx context.Context, recordID string, voter ledger.User, kind votes.Kind) (votes.Outcome, error) {
	f.lastRecordID = recordID
	f.lastKind = kind
	return f.voteOutcome, f.voteErr
}

func (f *fakeCurator) VoteRetracted(ctx context.Context, recordID string, voter ledger.User) (votes.Outcome, error) {
	f.lastRecordID = recordID
	return f.voteOutcome, f.voteErr
}

func (f *fakeCurator) TriggerHistorySync(ctx context.Context, chatID string, events []curator.HistoryEvent) (curator.SyncSummary, error) {
	f.lastChatID = chatID
	f.lastEvents = events
	if f.syncStarted != nil {
		f.syncStarted <- struct{}{}
	}
	if f.syncRelease != nil {
		<-f.syncRelease
	}
	return f.syncSummary, f.syncErr
}

func newTestServer(t *testing.T, fake *fakeCurator) *Server {
	t.Helper()
	st := store.NewMemory()
	return NewServer(ServerConfig{
		Addr:    "127.0.0.1:0",
		Curator: fake,
		Chats:   chats.NewRepo(st),
		Creds:   creds.New("id", "secret", "http://127.0.0.1/callback", st),
		Log:     log.New(io.Discard),
	})
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})
	rec := doRequest(s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestShareEvent(t *testing.T) {
	fake := &fakeCurator{
		shareOutcomes: []curator.ShareOutcome{{
			TrackID: "t1",
			Result:  ledger.Created,
			Record:  &ledger.TrackRecord{ID: "rec-1", TrackID: "t1"},
			Added:   playlist.Added,
		}},
	}
	s := newTestServer(t, fake)

	body := `{"chatId":"chat-1","text":"link","sharer":{"id":"u1"}}`
	rec := doRequest(s, http.MethodPost, "/events/share", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if fake.lastChatID != "chat-1" {
		t.Errorf("chat id = %q, want chat-1", fake.lastChatID)
	}

	var resp struct {
		Outcomes []shareOutcomeResponse `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(resp.Outcomes))
	}
	out := resp.Outcomes[0]
	if out.Result != "created" || out.RecordID != "rec-1" || out.Added != "added" {
		t.Errorf("outcome = %+v, want created rec-1 added", out)
	}
}

func TestShareEventRequiresChatAndSharer(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})
	rec := doRequest(s, http.MethodPost, "/events/share", `{"text":"link"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestShareEventUnconfiguredChat(t *testing.T) {
	s := newTestServer(t, &fakeCurator{shareErr: chats.ErrNotConfigured})
	body := `{"chatId":"chat-1","sharer":{"id":"u1"}}`
	rec := doRequest(s, http.MethodPost, "/events/share", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestVoteEvent(t *testing.T) {
	fake := &fakeCurator{voteOutcome: votes.Outcome{Status: votes.Applied, Downvotes: 2}}
	s := newTestServer(t, fake)

	body := `{"recordId":"rec-1","voter":{"id":"u1"},"kind":"downvote"}`
	rec := doRequest(s, http.MethodPost, "/events/vote", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if fake.lastKind != votes.Downvote {
		t.Errorf("kind = %v, want downvote", fake.lastKind)
	}

	var resp voteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "applied" || resp.Downvotes != 2 {
		t.Errorf("response = %+v, want applied with 2 downvotes", resp)
	}
}

func TestVoteEventUnknownKind(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})
	body := `{"recordId":"rec-1","voter":{"id":"u1"},"kind":"sideways"}`
	rec := doRequest(s, http.MethodPost, "/events/vote", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestVoteEventUnknownRecord(t *testing.T) {
	s := newTestServer(t, &fakeCurator{voteErr: ledger.ErrRecordNotFound})
	body := `{"recordId":"missing","voter":{"id":"u1"},"kind":"upvote"}`
	rec := doRequest(s, http.MethodPost, "/events/vote", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestVoteEventReportsRemovalDespiteCleanupFailure(t *testing.T) {
	fake := &fakeCurator{
		voteOutcome: votes.Outcome{Status: votes.Applied, Downvotes: 3, RemovalTriggered: true},
		voteErr:     playlist.ErrUpstream,
	}
	s := newTestServer(t, fake)

	body := `{"recordId":"rec-1","voter":{"id":"u1"},"kind":"downvote"}`
	rec := doRequest(s, http.MethodPost, "/events/vote", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp voteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.RemovalTriggered {
		t.Error("removalTriggered = false, want true")
	}
}

func TestRetractEvent(t *testing.T) {
	fake := &fakeCurator{voteOutcome: votes.Outcome{Status: votes.NoOp}}
	s := newTestServer(t, fake)

	body := `{"recordId":"rec-1","voter":{"id":"u1"}}`
	rec := doRequest(s, http.MethodPost, "/events/retract", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp voteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "no-op" {
		t.Errorf("status = %q, want no-op", resp.Status)
	}
}

func TestSaveChat(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})

	body := `{"playlistId":"pl","adminId":"admin"}`
	rec := doRequest(s, http.MethodPut, "/chats/chat-1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var cfg chats.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if cfg.ChatID != "chat-1" {
		t.Errorf("chat id = %q, want chat-1 (from path)", cfg.ChatID)
	}
	if cfg.DownvoteThreshold != chats.DefaultDownvoteThreshold {
		t.Errorf("threshold = %d, want default %d", cfg.DownvoteThreshold, chats.DefaultDownvoteThreshold)
	}
}

func TestSaveChatIncomplete(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})
	rec := doRequest(s, http.MethodPut, "/chats/chat-1", `{"playlistId":"pl"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// waitForSyncState polls the sync status route until the chat's job reaches
// the wanted state.
func waitForSyncState(t *testing.T, s *Server, chatID, want string) syncStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(s, http.MethodGet, "/chats/"+chatID+"/sync", "")
		if rec.Code == http.StatusOK {
			var status syncStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("decoding sync status: %v", err)
			}
			if status.State == want {
				return status
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sync for chat %s never reached state %q", chatID, want)
	return syncStatus{}
}

func TestHistorySyncRunsDetached(t *testing.T) {
	fake := &fakeCurator{syncSummary: curator.SyncSummary{Added: 2, SkippedDuplicate: 1}}
	s := newTestServer(t, fake)

	body := `{"events":[{"sharer":{"id":"u1"},"text":"link"}]}`
	rec := doRequest(s, http.MethodPost, "/chats/chat-1/sync", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	status := waitForSyncState(t, s, "chat-1", syncDone)
	if status.Summary == nil || *status.Summary != fake.syncSummary {
		t.Errorf("summary = %+v, want %+v", status.Summary, fake.syncSummary)
	}
	if fake.lastChatID != "chat-1" || len(fake.lastEvents) != 1 {
		t.Errorf("sync called with chat %q and %d events", fake.lastChatID, len(fake.lastEvents))
	}
}

func TestHistorySyncConflictWhileRunning(t *testing.T) {
	fake := &fakeCurator{
		syncStarted: make(chan struct{}, 1),
		syncRelease: make(chan struct{}),
	}
	s := newTestServer(t, fake)

	rec := doRequest(s, http.MethodPost, "/chats/chat-1/sync", `{"events":[]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first sync status = %d, want 202", rec.Code)
	}
	<-fake.syncStarted

	rec = doRequest(s, http.MethodPost, "/chats/chat-1/sync", `{"events":[]}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second sync status = %d, want 409", rec.Code)
	}

	close(fake.syncRelease)
	waitForSyncState(t, s, "chat-1", syncDone)
}

func TestHistorySyncFailureReported(t *testing.T) {
	fake := &fakeCurator{syncErr: playlist.ErrUpstream}
	s := newTestServer(t, fake)

	rec := doRequest(s, http.MethodPost, "/chats/chat-1/sync", `{"events":[]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	status := waitForSyncState(t, s, "chat-1", syncFailed)
	if status.Error == "" {
		t.Error("failed sync carries no error message")
	}
}

func TestSyncStatusUnknownChat(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})
	rec := doRequest(s, http.MethodGet, "/chats/never-synced/sync", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminAuthRedirects(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})
	rec := doRequest(s, http.MethodGet, "/admin/auth?admin=admin-1", "")
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.Contains(location, "state=") {
		t.Errorf("redirect %q carries no state", location)
	}
}

func TestAdminAuthRequiresAdmin(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})
	rec := doRequest(s, http.MethodGet, "/admin/auth", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminCallbackUnknownState(t *testing.T) {
	s := newTestServer(t, &fakeCurator{})
	rec := doRequest(s, http.MethodGet, "/callback?state=bogus&code=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
