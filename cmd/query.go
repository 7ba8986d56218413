package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailvec/assembler"
	"github.com/dhcgn/mailvec/config"
	"github.com/dhcgn/mailvec/planner"
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Search or count messages with a natural language query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		engine := assembler.New(assembler.Options{
			Planner:          newPlanner(cfg, logger),
			EmbeddingOptions: cfg.Embedding.Options(),
			LockTimeout:      cfg.LockTimeout,
			Logger:           logger,
		})

		resp, err := engine.Query(cmd.Context(), assembler.Request{
			Text:           strings.Join(args, " "),
			CollectionPath: cfg.CollectionPath,
			CollectionName: cfg.CollectionName,
			K:              cfg.K,
		})
		if err != nil {
			if werr := writeJSON(cmd.OutOrStdout(), assembler.NewErrorResponse(err)); werr != nil {
				logger.Error("write error response", "err", werr)
			}
			return err
		}
		return writeJSON(cmd.OutOrStdout(), resp)
	},
}

func newPlanner(cfg config.Config, logger *slog.Logger) *planner.Chain {
	if !cfg.LLM.Enabled {
		return planner.NewChain(cfg.LLM.Timeout, logger, planner.NewHeuristic())
	}
	return planner.NewChain(cfg.LLM.Timeout, logger,
		planner.NewOllama(cfg.LLM.URL, cfg.LLM.Model),
		planner.NewHeuristic(),
	)
}

func init() {
	flags := queryCmd.Flags()
	flags.IntP("k", "k", config.DefaultK, "Maximum number of search results")
	flags.Bool("no-llm", false, "Parse the query with the heuristic parser only")
	flags.String("llm-model", planner.DefaultOllamaModel, "Ollama model used to parse queries")
	flags.Duration("llm-timeout", planner.DefaultTimeout, "Time limit for the language model before falling back")
	rootCmd.AddCommand(queryCmd)
}
