package cmd

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailvec/canonical"
	"github.com/dhcgn/mailvec/mbox"
	"github.com/dhcgn/mailvec/progress"
	"github.com/dhcgn/mailvec/pst"
)

type processOutput struct {
	Output    string   `json:"output"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

var processArchiveCmd = &cobra.Command{
	Use:   "process-archive",
	Short: "Convert an mbox or Outlook archive into the canonical record store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		if cmd.Flags().Changed("output") {
			output, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}
			cfg.CanonicalPath = filepath.Clean(output)
		}

		reader, format, err := openArchive(cfg.ArchivePath, logger)
		if err != nil {
			return err
		}
		logger.Info("processing archive", "archive", cfg.ArchivePath, "format", format, "output", cfg.CanonicalPath)

		total := 0
		if !cfg.Quiet && cfg.LogLevel == "info" {
			if total, err = reader.CountMessages(cmd.Context()); err != nil {
				logger.Warn("count messages", "err", err)
			}
		}
		bar := progress.New("Processing archive", total, cfg.LogLevel, cfg.Quiet)
		reporter := progress.NewReporter(bar, logger)

		result, err := canonical.ProcessArchive(cmd.Context(), reader, cfg.CanonicalPath, canonical.Options{
			Logger:    logger,
			Subscribe: reporter.Subscribe,
		})
		if err != nil {
			return err
		}

		return writeJSON(cmd.OutOrStdout(), processOutput{
			Output:    cfg.CanonicalPath,
			Processed: result.Processed,
			Skipped:   result.Skipped,
			Errors:    result.ErrorStrings(),
		})
	},
}

type archiveReader interface {
	mbox.Reader
	CountMessages(ctx context.Context) (int, error)
}

// openArchive picks the reader by the file's magic bytes: Outlook data
// files start with "!BDN", anything else is read as mbox.
func openArchive(path string, logger *slog.Logger) (archiveReader, string, error) {
	isPST, err := pst.IsArchive(path)
	if err != nil {
		return nil, "", err
	}
	if isPST {
		reader, err := pst.NewReader(pst.Options{Path: path}, logger)
		if err != nil {
			return nil, "", err
		}
		return reader, "pst", nil
	}

	reader, err := mbox.NewReader(mbox.Options{Path: path}, logger)
	if err != nil {
		return nil, "", err
	}
	logger.Debug("mbox folders", "count", len(reader.Folders()))
	return reader, "mbox", nil
}

func init() {
	flags := processArchiveCmd.Flags()
	flags.String("archive", "", "Path to an Outlook .pst/.ost file, an mbox file or a directory tree of mbox folders")
	flags.StringP("output", "o", "", "Canonical store to write (default <dataset>/records.jsonl)")
	_ = processArchiveCmd.MarkFlagRequired("archive")
	rootCmd.AddCommand(processArchiveCmd)
}
