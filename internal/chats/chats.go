// Package chats stores per-chat curation settings: the target playlist, the
// administrator whose credentials mutate it, and the downvote threshold.
package chats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crowdqueue/internal/store"
)

// DefaultDownvoteThreshold is used when a chat does not set its own.
const DefaultDownvoteThreshold = 3

const partition = "chats"

// Common errors.
var (
	// ErrNotConfigured is returned when a chat has no stored settings.
	ErrNotConfigured = errors.New("chat not configured")

	// ErrInvalidThreshold is returned for a non-positive downvote
	// threshold. Rejected here so the voting path never sees one.
	ErrInvalidThreshold = errors.New("downvote threshold must be positive")

	// ErrIncomplete is returned when playlist or administrator is missing.
	ErrIncomplete = errors.New("chat config needs a playlist and an administrator")
)

// Config holds one chat's curation settings.
type Config struct {
	ChatID            string `json:"chatId"`
	DownvoteThreshold int    `json:"downvoteThreshold"`
	PlaylistID        string `json:"playlistId"`
	AdminID           string `json:"adminId"`
}

// Validate checks config invariants. A zero threshold is filled with the
// default; a negative one is rejected.
func (c *Config) Validate() error {
	if c.ChatID == "" || c.PlaylistID == "" || c.AdminID == "" {
		return ErrIncomplete
	}
	if c.DownvoteThreshold == 0 {
		c.DownvoteThreshold = DefaultDownvoteThreshold
	}
	if c.DownvoteThreshold < 0 {
		return ErrInvalidThreshold
	}
	return nil
}

// Repo persists chat configs.
type Repo struct {
	store store.Store
}

// NewRepo creates a Repo.
func NewRepo(s store.Store) *Repo {
	return &Repo{store: s}
}

// Save validates and writes a chat config. Last write wins.
func (r *Repo) Save(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding chat config: %w", err)
	}
	_, err = store.UpdateWithRetry(ctx, r.store, partition, cfg.ChatID, func([]byte) ([]byte, error) {
		return value, nil
	})
	if err != nil {
		return fmt.Errorf("saving chat config: %w", err)
	}
	return nil
}

// Get returns a chat's config, or ErrNotConfigured.
func (r *Repo) Get(ctx context.Context, chatID string) (*Config, error) {
	item, err := r.store.Get(ctx, partition, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("reading chat config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(item.Value, &cfg); err != nil {
		return nil, fmt.Errorf("decoding chat config: %w", err)
	}
	return &cfg, nil
}
