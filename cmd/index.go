package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailvec/indexer"
	"github.com/dhcgn/mailvec/progress"
)

type indexOutput struct {
	indexer.Report
	Errors []string `json:"errors"`
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed the canonical records into the vector collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		incremental, err := cmd.Flags().GetBool("incremental")
		if err != nil {
			return err
		}

		// The indexer counts the records and starts the bar with its total.
		bar := progress.New("Indexing records", 0, cfg.LogLevel, cfg.Quiet)
		reporter := progress.NewReporter(bar, logger)

		report, err := indexer.Run(cmd.Context(), indexer.Options{
			CanonicalPath:    cfg.CanonicalPath,
			CollectionPath:   cfg.CollectionPath,
			CollectionName:   cfg.CollectionName,
			Model:            cfg.Embedding.Model,
			EmbeddingOptions: cfg.Embedding.Options(),
			BatchSize:        cfg.Embedding.BatchSize,
			Concurrency:      cfg.Embedding.Concurrency,
			InputBudget:      cfg.Embedding.InputBudget,
			Rebuild:          cfg.Rebuild,
			Incremental:      incremental,
			LockTimeout:      cfg.LockTimeout,
			Logger:           logger,
			Subscribe:        reporter.Subscribe,
		})
		if err != nil {
			return err
		}

		out := indexOutput{Report: report, Errors: make([]string, 0, len(report.Errors))}
		for _, e := range report.Errors {
			out.Errors = append(out.Errors, e.Error())
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	flags := indexCmd.Flags()
	flags.String("canonical", "", "Canonical store to read (default <dataset>/records.jsonl)")
	flags.Int("batch-size", indexer.DefaultBatchSize, "Records per embedding batch")
	flags.Int("concurrency", indexer.DefaultConcurrency, "Concurrent embedding requests per batch")
	flags.Bool("rebuild", false, "Drop the collection first; required to switch embedding models")
	flags.Bool("incremental", true, "Skip records whose embedding input did not change since the last run")
	rootCmd.AddCommand(indexCmd)
}
