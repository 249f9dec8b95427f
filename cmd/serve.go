package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prappser/chunkd/internal"
	"github.com/prappser/chunkd/internal/health"
	"github.com/prappser/chunkd/internal/middleware"
	"github.com/prappser/chunkd/internal/status"
	"github.com/prappser/chunkd/internal/upload"
	"github.com/prappser/chunkd/internal/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

// multipartOverhead covers form fields and boundaries around a full-size chunk.
const multipartOverhead = 1 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	components, err := internal.NewComponents(config, hub)
	if err != nil {
		return err
	}

	if config.Janitor.Enabled {
		components.Janitor.Start()
		defer components.Janitor.Stop()
	}

	cors := middleware.NewCORSMiddleware(config.Server.AllowedOrigins)
	handler := internal.NewRequestHandler(
		cors,
		upload.NewEndpoints(components.Service),
		health.NewEndpoints(Version, config.Upload.Root),
		status.NewEndpoints(Version, config.Upload.Root, hub),
		websocket.NewHandler(hub, cors.IsOriginAllowed),
	)

	maxChunkBytes, _ := config.Upload.MaxChunkBytes()
	maxBody := fasthttp.DefaultMaxRequestBodySize
	if maxChunkBytes > 0 {
		maxBody = int(maxChunkBytes) + multipartOverhead
	}

	server := &fasthttp.Server{
		Handler:            handler,
		Name:               "chunkd",
		MaxRequestBodySize: maxBody,
		ReadTimeout:        5 * time.Minute,
		WriteTimeout:       5 * time.Minute,
		IdleTimeout:        2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", config.Server.Addr).
			Str("root", config.Upload.Root).
			Str("maxBody", humanize.IBytes(uint64(maxBody))).
			Str("version", Version).
			Msg("Server starting")
		errCh <- server.ListenAndServe(config.Server.Addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("Shutting down server")
	}

	if err := server.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
