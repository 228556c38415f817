// Command crowdqueue runs the collaborative playlist curation service.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"crowdqueue/internal/catalog"
	"crowdqueue/internal/chats"
	"crowdqueue/internal/config"
	"crowdqueue/internal/creds"
	"crowdqueue/internal/curator"
	"crowdqueue/internal/ledger"
	"crowdqueue/internal/playlist"
	"crowdqueue/internal/store"
	"crowdqueue/internal/votes"
	"crowdqueue/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine in deployed environments.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           cfg.LogLevel,
		ReportTimestamp: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer st.Close()

	provider := creds.New(cfg.SpotifyID, cfg.SpotifySecret, cfg.RedirectURL, st)
	gateway := playlist.NewClient(provider, logger)

	chatRepo := chats.NewRepo(st)
	trackLedger := ledger.New(st)
	voteEngine := votes.New(st, trackLedger, chatRepo, gateway, logger)
	normalizer := catalog.NewNormalizer(st, gateway)
	service := curator.New(logger, normalizer, trackLedger, voteEngine, gateway, chatRepo, st)

	server := web.NewServer(web.ServerConfig{
		Addr:    cfg.Addr,
		Curator: service,
		Chats:   chatRepo,
		Creds:   provider,
		Log:     logger,
	})

	return server.Run()
}
