package cli

import (
	"os"

	"github.com/basel-ax/stickergen/internal/config"
	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/basel-ax/stickergen/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// TokenEnv is read when no --api-token flag is given.
const TokenEnv = "REPLICATE_API_TOKEN"

type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	verbose bool
}

func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "stickergen",
		Short: "Generate stickers from text prompts",
		Long: `Stickergen turns a text prompt into a PNG sticker using a hosted image generation model.

Stickers can be generated directly, served over HTTP, or queued in PostgreSQL
and processed by a scheduled worker.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// also reads .env when present
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.NewWithWriter(cmd.ErrOrStderr(), cfg.AppEnv, a.verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(
		newGenerateCmd(a),
		newServeCmd(a),
		newEnqueueCmd(a),
		newWorkerCmd(a),
		newMigrateCmd(a),
		newStatusCmd(a),
	)

	return cmd
}

func resolveCredential(flag string) domain.Credential {
	if flag != "" {
		return domain.Credential(flag)
	}
	return domain.Credential(os.Getenv(TokenEnv))
}

// requestSize parses a --size flag, falling back to the configured default.
func (a *app) requestSize(flag string) (domain.Size, error) {
	if flag == "" {
		return domain.Size(a.cfg.DefaultImageSize), nil
	}
	return domain.ParseSize(flag)
}

func (a *app) requestSteps(flag int) int {
	if flag == 0 {
		return a.cfg.DefaultSteps
	}
	return flag
}
