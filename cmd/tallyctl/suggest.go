package main

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/refinement"
	"github.com/MikeSquared-Agency/tally/internal/store"
)

func suggestCmd() *cobra.Command {
	var kind, field, value string
	var minOccurrences int
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Suggest corrections for a field value from reviewer history",
		Example: `  tallyctl suggest --field vendor_gstin --value 27AAPFU0939F1ZY
  tallyctl suggest --field 'line_items[0].hsn_code'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			db, err := store.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			learner := refinement.NewLearner(slog.Default(), refinement.WithMinOccurrences(minOccurrences))
			if _, err := learner.Warm(cmd.Context(), db); err != nil {
				return err
			}

			k := extractor.ParseKind(kind)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if value == "" {
				return enc.Encode(learner.Patterns(k, field))
			}
			return enc.Encode(learner.Suggest(k, field, value))
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "invoice", "document kind (invoice, identity)")
	cmd.Flags().StringVar(&field, "field", "", "field path")
	cmd.Flags().StringVar(&value, "value", "", "extracted value; omit to list frequent patterns")
	cmd.Flags().IntVar(&minOccurrences, "min-occurrences", refinement.DefaultMinOccurrences, "occurrences before a pair is frequent")
	_ = cmd.MarkFlagRequired("field")
	return cmd
}
