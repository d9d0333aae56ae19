package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/tally/internal/app"
	"github.com/MikeSquared-Agency/tally/internal/backfill"
	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/dedup"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/slack"
)

func backfillCmd() *cobra.Command {
	var (
		bcfg         backfill.Config
		kind         string
		since, until string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import a directory of scanned documents through the pipeline",
		Long: `Walks --dir for images and PDFs and runs each through recognition,
extraction, validation and the decision engine. Progress is saved to the
state file after every document, so an interrupted run resumes where it
stopped. Documents needing review land in the review queue as usual.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if bcfg.Since, err = parseDay(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if bcfg.Until, err = parseDay(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			if bcfg.Dir == "" && bcfg.SingleFile == "" {
				return fmt.Errorf("--dir or --file is required")
			}
			bcfg.Kind = extractor.ParseKind(kind)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := config.Load()
			policy, err := config.LoadPolicy(cfg.PolicyFile)
			if err != nil {
				return err
			}

			var poster backfill.Poster
			var opts app.Options
			if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
				p := slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
				poster, opts.Notifier = p, p
			}
			pipe, err := app.Build(ctx, cfg, policy, opts, slog.Default())
			if err != nil {
				return err
			}
			defer pipe.Close()

			r := backfill.NewRunner(bcfg, pipe.Processor, pipe.Blobs, dedup.NewMemory(cfg.DedupTTL), poster, slog.Default())
			state, err := r.Run(ctx)
			if state != nil {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "\n=== Backfill Summary ===\n")
				fmt.Fprintf(out, "Documents processed: %d\n", state.DocumentsProcessed)
				fmt.Fprintf(out, "Auto-approved: %d\n", state.AutoApproved)
				fmt.Fprintf(out, "Queued for review: %d\n", state.Queued)
				fmt.Fprintf(out, "Duplicates skipped: %d\n", state.Duplicates)
				fmt.Fprintf(out, "Errors: %d\n", len(state.Errors))
				if bcfg.DryRun {
					fmt.Fprintf(out, "Mode: DRY RUN (nothing imported)\n")
				}
				fmt.Fprintf(out, "State file: %s\n", state.Path())
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&bcfg.Dir, "dir", "", "directory to import")
	f.StringVar(&bcfg.SingleFile, "file", "", "import a single file only")
	f.StringVar(&bcfg.StatePath, "state", backfill.DefaultStatePath, "resume state file")
	f.StringVar(&kind, "kind", "invoice", "document kind (invoice, identity)")
	f.StringVar(&bcfg.CallerID, "caller", "backfill", "caller ID recorded on imported documents")
	f.StringVar(&since, "since", "", "only files modified on or after this date (YYYY-MM-DD)")
	f.StringVar(&until, "until", "", "only files modified before this date (YYYY-MM-DD)")
	f.BoolVar(&bcfg.DryRun, "dry-run", false, "list what would be imported")
	f.IntVar(&bcfg.BatchSize, "batch-size", 25, "documents per batch summary")
	f.DurationVar(&bcfg.BatchPause, "batch-pause", 30*time.Second, "pause between batches")
	return cmd
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}
