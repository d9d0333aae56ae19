package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/trust"
	"github.com/MikeSquared-Agency/tally/internal/validator"
)

type evaluation struct {
	DocumentID string            `json:"document_id"`
	Kind       extractor.Kind    `json:"kind"`
	Report     validator.Report  `json:"report"`
	Score      trust.Score       `json:"score"`
	Decision   decision.Decision `json:"decision"`
}

// evaluate runs validation, scoring and the decision for one document.
func evaluate(doc *extractor.Document, policy config.Policy, now time.Time) evaluation {
	if doc.Kind == "" {
		doc.Kind = extractor.KindInvoice
	}
	report := validator.New(validator.OptionsFromPolicy(policy)).ValidateAt(doc, now)
	score := trust.NewScorer(policy.CriticalCap).Score(doc, report)
	d := decision.Decide(policy, decision.Input{
		Overall:          score.Overall,
		Report:           report,
		TransactionValue: doc.TransactionValue(),
	})
	return evaluation{DocumentID: doc.ID, Kind: doc.Kind, Report: report, Score: score, Decision: d}
}

func validateCmd() *cobra.Command {
	var policyFile string
	cmd := &cobra.Command{
		Use:   "validate [document.json]",
		Short: "Validate, score and decide an extracted document without side effects",
		Long: `Reads an extracted document (the JSON stored in documents.document, or "-"
for stdin) and prints the validation report, score and decision the
pipeline would produce under the current policy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyFile == "" {
				policyFile = config.Load().PolicyFile
			}
			policy, err := config.LoadPolicy(policyFile)
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var doc extractor.Document
			if err := json.NewDecoder(r).Decode(&doc); err != nil {
				return fmt.Errorf("decode document: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(evaluate(&doc, policy, time.Now()))
		},
	}
	cmd.Flags().StringVar(&policyFile, "policy", "", "policy YAML file (default TALLY_POLICY_FILE)")
	return cmd
}
