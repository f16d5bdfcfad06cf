package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/basel-ax/stickergen/internal/httpapi"
	"github.com/basel-ax/stickergen/internal/service"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sticker HTTP API",
		Long: `Starts an HTTP server exposing POST /api/stickers.

Each request carries its own generation service token in the Authorization
header. The server never stores tokens.`,
		Example: `  stickergen serve --addr :8080

  curl -H "Authorization: Bearer $REPLICATE_API_TOKEN" \
    -d '{"prompt":"a cute cat playing with yarn","size":"medium"}' \
    -o ai_sticker.png http://localhost:8080/api/stickers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.HTTPAddr
			}

			svc := service.NewStickerGenerationService(a.cfg, a.log)
			handler := httpapi.NewHandler(svc, httpapi.Defaults{
				Steps:          a.cfg.DefaultSteps,
				Size:           domain.Size(a.cfg.DefaultImageSize),
				NegativePrompt: a.cfg.DefaultNegativePrompt,
			}, a.log)

			server := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewRouter(handler),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", addr).Msg("sticker API listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-cmd.Context().Done():
				a.log.Info().Msg("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					a.log.Error().Err(err).Msg("server shutdown failed")
					return err
				}
				a.log.Info().Msg("server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (default from HTTP_ADDR)")

	return cmd
}
