package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/basel-ax/stickergen/internal/service"
	"github.com/spf13/cobra"
)

const defaultOutput = "ai_sticker.png"

func newGenerateCmd(a *app) *cobra.Command {
	var (
		prompt string
		steps  int
		size   string
		output string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate a sticker and save it as a PNG",
		Example: `  # Generate a sticker with the default settings
  stickergen generate "a cute cat playing with yarn"

  # Larger sticker with more inference steps
  stickergen generate --prompt "a happy robot" --steps 40 --size large -o robot.png`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" && len(args) == 1 {
				prompt = args[0]
			}

			sz, err := a.requestSize(size)
			if err != nil {
				return err
			}
			req, err := domain.NewGenerationRequest(prompt, a.requestSteps(steps), sz)
			if err != nil {
				return err
			}
			req = req.WithNegativePrompt(a.cfg.DefaultNegativePrompt)

			svc := service.NewStickerGenerationService(a.cfg, a.log)
			sticker, err := svc.Generate(cmd.Context(), req, resolveCredential(token))
			if err != nil {
				return err
			}

			if dir := filepath.Dir(output); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
			}
			if err := os.WriteFile(output, sticker.Data, 0644); err != nil {
				return fmt.Errorf("failed to write sticker: %w", err)
			}

			a.log.Info().
				Str("job_id", sticker.JobID).
				Str("path", output).
				Int("bytes", len(sticker.Data)).
				Msg("sticker saved")
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Text prompt describing the sticker")
	cmd.Flags().IntVar(&steps, "steps", 0, "Inference steps, 10 to 50 (default from DEFAULT_STEPS)")
	cmd.Flags().StringVar(&size, "size", "", "small, medium, large or a pixel size (default from DEFAULT_IMAGE_SIZE)")
	cmd.Flags().StringVarP(&output, "output", "o", defaultOutput, "File to write the sticker to")
	cmd.Flags().StringVar(&token, "api-token", "", "Generation service token (default $"+TokenEnv+")")

	return cmd
}
