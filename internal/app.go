package internal

import (
	"fmt"

	"github.com/prappser/chunkd/internal/chunk"
	"github.com/prappser/chunkd/internal/janitor"
	"github.com/prappser/chunkd/internal/merge"
	"github.com/prappser/chunkd/internal/storage"
	"github.com/prappser/chunkd/internal/upload"
	"github.com/rs/zerolog/log"
)

// Components are the pieces shared by the server and the CLI commands.
type Components struct {
	Store   *chunk.Store
	Engine  *merge.Engine
	Archive storage.Backend
	Service *upload.Service
	Janitor *janitor.Janitor
}

// NewComponents builds the chunk store, merge engine, optional archive and janitor
// from config. notifier may be nil.
func NewComponents(config *Config, notifier upload.Notifier) (*Components, error) {
	maxChunkBytes, err := config.Upload.MaxChunkBytes()
	if err != nil {
		return nil, err
	}

	store, err := chunk.NewStore(config.Upload.Root,
		chunk.WithMaxChunkBytes(maxChunkBytes),
		chunk.WithSync(config.Upload.Sync),
	)
	if err != nil {
		return nil, err
	}

	engine := merge.NewEngine(store,
		merge.WithConcurrency(config.Merge.Concurrency),
		merge.WithSettleDelay(config.Merge.SettleDelay),
		merge.WithDigest(config.Merge.Digest),
		merge.WithSync(config.Upload.Sync),
	)

	var archive storage.Backend
	if config.Archive.Enabled {
		archive, err = storage.NewBackend(&config.Archive.BackendConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive: %w", err)
		}
		log.Info().Str("type", string(config.Archive.Type)).Msg("Archive backend initialized")
	}

	return &Components{
		Store:   store,
		Engine:  engine,
		Archive: archive,
		Service: upload.NewService(store, engine, archive, notifier),
		Janitor: janitor.New(config.Upload.Root, config.Janitor),
	}, nil
}
