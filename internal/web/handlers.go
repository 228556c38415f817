package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"crowdqueue/internal/chats"
	"crowdqueue/internal/creds"
	"crowdqueue/internal/curator"
	"crowdqueue/internal/ledger"
	"crowdqueue/internal/playlist"
	"crowdqueue/internal/votes"
)

// Curator is the slice of the curation service the HTTP layer drives.
type Curator interface {
	ShareDetected(ctx context.Context, chatID, rawText string, sharer ledger.User, messageRef string, sharedAt time.Time) ([]curator.ShareOutcome, error)
	VoteReceived(ctx context.Context, recordID string, voter ledger.User, kind votes.Kind) (votes.Outcome, error)
	VoteRetracted(ctx context.Context, recordID string, voter ledger.User) (votes.Outcome, error)
	TriggerHistorySync(ctx context.Context, chatID string, events []curator.HistoryEvent) (curator.SyncSummary, error)
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	curator Curator
	chats   *chats.Repo
	creds   *creds.Provider
	auth    *authStates
	syncs   *syncTracker
	log     *log.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(c Curator, repo *chats.Repo, provider *creds.Provider, logger *log.Logger) *Handlers {
	return &Handlers{
		curator: c,
		chats:   repo,
		creds:   provider,
		auth:    newAuthStates(),
		syncs:   newSyncTracker(),
		log:     logger,
	}
}

// Health reports liveness (GET /healthz).
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type shareRequest struct {
	ChatID     string      `json:"chatId"`
	Text       string      `json:"text"`
	Sharer     ledger.User `json:"sharer"`
	MessageRef string      `json:"messageRef"`
	SharedAt   time.Time   `json:"sharedAt"`
}

type shareOutcomeResponse struct {
	TrackID  string `json:"trackId"`
	Result   string `json:"result,omitempty"`
	RecordID string `json:"recordId,omitempty"`
	Name     string `json:"name,omitempty"`
	Added    string `json:"added,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ShareEvent ingests a chat message that may contain track links
// (POST /events/share).
func (h *Handlers) ShareEvent(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding share event: %w", err))
		return
	}
	if req.ChatID == "" || req.Sharer.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("chatId and sharer.id are required"))
		return
	}
	if req.SharedAt.IsZero() {
		req.SharedAt = time.Now().UTC()
	}

	outcomes, err := h.curator.ShareDetected(r.Context(), req.ChatID, req.Text, req.Sharer, req.MessageRef, req.SharedAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]shareOutcomeResponse, 0, len(outcomes))
	for _, out := range outcomes {
		item := shareOutcomeResponse{TrackID: out.TrackID}
		if out.Err != nil {
			item.Error = out.Err.Error()
		} else {
			item.Result = out.Result.String()
			if out.Record != nil {
				item.RecordID = out.Record.ID
			}
			if out.Entry != nil {
				item.Name = out.Entry.Name
			}
			if out.Result == ledger.Created {
				item.Added = addResultString(out.Added)
			}
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": resp})
}

type voteRequest struct {
	RecordID string      `json:"recordId"`
	Voter    ledger.User `json:"voter"`
	Kind     string      `json:"kind"`
}

type voteResponse struct {
	Status           string `json:"status"`
	Upvotes          int    `json:"upvoteCount"`
	Downvotes        int    `json:"downvoteCount"`
	RemovalTriggered bool   `json:"removalTriggered"`
}

// VoteEvent applies a vote (POST /events/vote).
func (h *Handlers) VoteEvent(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding vote event: %w", err))
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := h.curator.VoteReceived(r.Context(), req.RecordID, req.Voter, kind)
	if err != nil {
		// A removal that reached the threshold but failed playlist cleanup
		// still reports its outcome; the error travels alongside.
		if outcome.RemovalTriggered {
			h.log.Error("removal cleanup failed", "record", req.RecordID, "err", err)
			writeJSON(w, http.StatusOK, toVoteResponse(outcome))
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoteResponse(outcome))
}

// RetractEvent withdraws a vote (POST /events/retract).
func (h *Handlers) RetractEvent(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding retract event: %w", err))
		return
	}

	outcome, err := h.curator.VoteRetracted(r.Context(), req.RecordID, req.Voter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoteResponse(outcome))
}

// SaveChat stores a chat's curation settings (PUT /chats/{chatID}).
func (h *Handlers) SaveChat(w http.ResponseWriter, r *http.Request) {
	var cfg chats.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding chat config: %w", err))
		return
	}
	cfg.ChatID = chi.URLParam(r, "chatID")

	if err := h.chats.Save(r.Context(), &cfg); err != nil {
		if errors.Is(err, chats.ErrInvalidThreshold) || errors.Is(err, chats.ErrIncomplete) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type syncRequest struct {
	Events []curator.HistoryEvent `json:"events"`
}

// HistorySync starts a history replay for the chat
// (POST /chats/{chatID}/sync). The replay outlives the request; poll
// SyncStatus for the result.
func (h *Handlers) HistorySync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding sync request: %w", err))
		return
	}
	chatID := chi.URLParam(r, "chatID")

	if !h.syncs.begin(chatID) {
		writeError(w, http.StatusConflict, curator.ErrSyncInProgress)
		return
	}

	go func() {
		summary, err := h.curator.TriggerHistorySync(context.Background(), chatID, req.Events)
		if err != nil {
			h.log.Error("history sync failed", "chat", chatID, "err", err)
		}
		h.syncs.finish(chatID, summary, err)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"chatId": chatID, "status": syncRunning})
}

// SyncStatus reports the chat's latest history sync
// (GET /chats/{chatID}/sync).
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	job, ok := h.syncs.get(chatID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no history sync recorded for chat %s", chatID))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// AdminAuth starts the OAuth flow for a chat administrator
// (GET /admin/auth?admin=ID).
func (h *Handlers) AdminAuth(w http.ResponseWriter, r *http.Request) {
	adminID := r.URL.Query().Get("admin")
	if adminID == "" {
		writeError(w, http.StatusBadRequest, errors.New("admin query parameter is required"))
		return
	}

	state, err := h.auth.begin(adminID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("generating state: %w", err))
		return
	}
	http.Redirect(w, r, h.creds.AuthURL(state), http.StatusTemporaryRedirect)
}

// AdminCallback completes the OAuth flow (GET /callback).
func (h *Handlers) AdminCallback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("authorization rejected: %s", errMsg))
		return
	}

	state := r.URL.Query().Get("state")
	adminID, ok := h.auth.consume(state)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown or expired state"))
		return
	}

	if err := h.creds.HandleCallback(r.Context(), state, r, adminID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("administrator authorized", "admin", adminID)
	writeJSON(w, http.StatusOK, map[string]string{"admin": adminID, "status": "authorized"})
}

// parseKind maps the wire vote type onto the closed enumeration.
func parseKind(s string) (votes.Kind, error) {
	switch s {
	case "upvote":
		return votes.Upvote, nil
	case "downvote":
		return votes.Downvote, nil
	default:
		return 0, fmt.Errorf("unknown vote kind %q", s)
	}
}

func toVoteResponse(outcome votes.Outcome) voteResponse {
	return voteResponse{
		Status:           outcome.Status.String(),
		Upvotes:          outcome.Upvotes,
		Downvotes:        outcome.Downvotes,
		RemovalTriggered: outcome.RemovalTriggered,
	}
}

func addResultString(result playlist.AddResult) string {
	switch result {
	case playlist.Added:
		return "added"
	case playlist.AlreadyPresent:
		return "already-present"
	case playlist.AddAuthExpired:
		return "auth-expired"
	default:
		return "failed"
	}
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chats.ErrNotConfigured):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, creds.ErrNoToken), errors.Is(err, creds.ErrInvalidRefreshToken):
		writeError(w, http.StatusPreconditionFailed, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
