// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

// Defaults.
const (
	DefaultAddr        = "127.0.0.1:8080"
	DefaultRedirectURL = "http://127.0.0.1:8080/callback"
)

// Config holds everything the service needs to start.
type Config struct {
	DatabaseURL   string
	SpotifyID     string
	SpotifySecret string
	Addr          string
	RedirectURL   string
	LogLevel      log.Level
}

// FromEnv builds a Config from environment variables. SPOTIFY_ID,
// SPOTIFY_SECRET, and DATABASE_URL are required; the rest have defaults.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SpotifyID:     os.Getenv("SPOTIFY_ID"),
		SpotifySecret: os.Getenv("SPOTIFY_SECRET"),
		Addr:          os.Getenv("LISTEN_ADDR"),
		RedirectURL:   os.Getenv("REDIRECT_URL"),
		LogLevel:      log.InfoLevel,
	}

	if cfg.SpotifyID == "" || cfg.SpotifySecret == "" {
		return nil, fmt.Errorf("please set SPOTIFY_ID and SPOTIFY_SECRET environment variables")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("please set the DATABASE_URL environment variable")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := log.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	return cfg, nil
}
