package cli

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/basel-ax/stickergen/internal/repository"
	"github.com/basel-ax/stickergen/internal/service"
	"github.com/basel-ax/stickergen/internal/worker"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func (a *app) openRepository(ctx context.Context) (*repository.PostgresStickerJobRepository, func(), error) {
	if err := a.cfg.ValidateDB(); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("postgres", a.cfg.GetDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(a.cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(a.cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.DB.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to reach database: %w", err)
	}
	a.log.Debug().Str("host", a.cfg.DB.Host).Str("database", a.cfg.DB.Database).Msg("database connection established")

	closeDB := func() {
		if err := db.Close(); err != nil {
			a.log.Error().Err(err).Msg("error closing database")
		}
	}
	return repository.NewPostgresStickerJobRepository(db), closeDB, nil
}

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		steps int
		size  string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <prompt>...",
		Short: "Queue prompts for the worker",
		Long: `Stores one sticker job per prompt in PostgreSQL. Prompts longer than the
service limit are truncated.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sz, err := a.requestSize(size)
			if err != nil {
				return err
			}

			repo, closeDB, err := a.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			for _, prompt := range args {
				truncated := domain.TruncatePrompt(prompt, domain.MaxPromptLength)
				if truncated != prompt {
					a.log.Warn().
						Int("from", utf8.RuneCountInString(prompt)).
						Int("to", utf8.RuneCountInString(truncated)).
						Msg("prompt was truncated")
				}

				req, err := domain.NewGenerationRequest(truncated, a.requestSteps(steps), sz)
				if err != nil {
					return err
				}
				id, err := repo.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				a.log.Info().Int64("job", id).Msg("sticker job queued")
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "Inference steps, 10 to 50 (default from DEFAULT_STEPS)")
	cmd.Flags().StringVar(&size, "size", "", "small, medium, large or a pixel size (default from DEFAULT_IMAGE_SIZE)")

	return cmd
}

func newWorkerCmd(a *app) *cobra.Command {
	var (
		once           bool
		token          string
		batchSize      int
		submitSchedule string
		checkSchedule  string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued sticker jobs",
		Long: `Submits queued jobs and checks pending ones on cron schedules until interrupted.
Finished stickers are written to OUTPUT_DIR.`,
		Example: `  # Run on the default schedules
  stickergen worker

  # Single pass, e.g. from an external scheduler
  stickergen worker --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cred := resolveCredential(token)
			if err := cred.Check(); err != nil {
				return err
			}

			repo, closeDB, err := a.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			w := worker.New(repo, service.NewStickerGenerationService(a.cfg, a.log), cred, worker.Config{
				OutputDir:      a.cfg.OutputDir,
				NegativePrompt: a.cfg.DefaultNegativePrompt,
				BatchSize:      batchSize,
				SubmitSchedule: submitSchedule,
				CheckSchedule:  checkSchedule,
				JobTimeout:     a.cfg.GenerationTimeout,
			}, a.log)

			if once {
				return w.RunOnce(cmd.Context())
			}
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run each workflow once and exit")
	cmd.Flags().StringVar(&token, "api-token", "", "Generation service token (default $"+TokenEnv+")")
	cmd.Flags().IntVar(&batchSize, "batch-size", worker.DefaultBatchSize, "Jobs handled per workflow run")
	cmd.Flags().StringVar(&submitSchedule, "submit-schedule", worker.DefaultSubmitSchedule, "Cron schedule (with seconds) of the submit workflow")
	cmd.Flags().StringVar(&checkSchedule, "check-schedule", worker.DefaultCheckSchedule, "Cron schedule (with seconds) of the check workflow")

	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the sticker_jobs table",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeDB, err := a.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if err := repo.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			a.log.Info().Msg("schema is up to date")
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a queued sticker job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return domain.NewValidationError("status", fmt.Sprintf("invalid job id %q", args[0]))
			}

			repo, closeDB, err := a.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			job, err := repo.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func printJob(cmd *cobra.Command, job *domain.StickerJob) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:         %d\n", job.ID)
	fmt.Fprintf(out, "status:     %s\n", job.Status)
	fmt.Fprintf(out, "prompt:     %s\n", job.Prompt)
	fmt.Fprintf(out, "steps:      %d\n", job.Steps)
	fmt.Fprintf(out, "size:       %d\n", job.Size)
	if job.PredictionID != "" {
		fmt.Fprintf(out, "prediction: %s\n", job.PredictionID)
	}
	if job.FilePath != "" {
		fmt.Fprintf(out, "file:       %s\n", job.FilePath)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "error:      %s\n", job.Error)
	}
	fmt.Fprintf(out, "updated:    %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))
}
