package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailvec/canonical"
	"github.com/dhcgn/mailvec/filter"
	"github.com/dhcgn/mailvec/model"
	"github.com/dhcgn/mailvec/stats"
)

var (
	reportDir   string
	topN        int
	statsSender string
	statsFolder string
	statsSince  string
	statsUntil  string
)

var categories = []string{"Sender", "Folder", "Year", "Recipient"}

type archiveStats struct {
	Messages int
	Filtered int
	Counter  map[string]map[string]int
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the top senders, folders and years of the canonical store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		criteria, err := statsCriteria()
		if err != nil {
			return err
		}

		logger.Info("analyzing canonical store", "path", cfg.CanonicalPath)
		result, err := collectArchiveStats(cfg.CanonicalPath, criteria)
		if err != nil {
			return fmt.Errorf("error reading canonical store: %w", err)
		}

		out := cmd.OutOrStdout()
		printArchiveStats(out, result, criteria, topN)

		if err := saveCSVReports(result.Counter, categories, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	flags := statsCmd.Flags()
	flags.String("canonical", "", "Canonical store to read (default <dataset>/records.jsonl)")
	flags.StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.StringVar(&statsSender, "from", "", "Only count messages from this sender name or address")
	flags.StringVar(&statsFolder, "folder", "", "Only count messages in this folder")
	flags.StringVar(&statsSince, "since", "", "Only count messages sent on or after this day (YYYY-MM-DD)")
	flags.StringVar(&statsUntil, "until", "", "Only count messages sent on or before this day (YYYY-MM-DD)")
	rootCmd.AddCommand(statsCmd)
}

func statsCriteria() (filter.Criteria, error) {
	c := filter.Criteria{Sender: statsSender, Folder: statsFolder}
	for _, d := range []struct {
		raw string
		dst **time.Time
	}{{statsSince, &c.DateFrom}, {statsUntil, &c.DateTo}} {
		if d.raw == "" {
			continue
		}
		t, err := filter.ParseDate(d.raw)
		if err != nil {
			return filter.Criteria{}, err
		}
		*d.dst = &t
	}
	return c, c.Validate()
}

func collectArchiveStats(path string, c filter.Criteria) (archiveStats, error) {
	result := archiveStats{Counter: make(map[string]map[string]int)}
	for _, category := range categories {
		result.Counter[category] = make(map[string]int)
	}

	err := canonical.ForEach(path, func(rec model.MessageRecord) error {
		if !c.Match(model.Metadata(rec), rec.BodyText) {
			result.Filtered++
			return nil
		}
		result.Messages++

		result.Counter["Sender"][senderLabel(rec)]++
		result.Counter["Folder"][rec.FolderPath]++
		if rec.SentAt != nil {
			result.Counter["Year"][strconv.Itoa(rec.SentAt.Year())]++
		} else {
			result.Counter["Year"]["unknown"]++
		}
		for _, r := range rec.Recipients {
			result.Counter["Recipient"][r]++
		}
		return nil
	})
	return result, err
}

func senderLabel(rec model.MessageRecord) string {
	switch {
	case rec.SenderName != "" && rec.SenderAddress != "":
		return rec.SenderName + " <" + rec.SenderAddress + ">"
	case rec.SenderAddress != "":
		return rec.SenderAddress
	case rec.SenderName != "":
		return rec.SenderName
	}
	return "unknown"
}

func printArchiveStats(w io.Writer, result archiveStats, c filter.Criteria, top int) {
	total := result.Messages + result.Filtered
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(result.Filtered) / float64(total) * 100
	}
	fmt.Fprintf(w, "Analyzed %d messages (skipped %d by filters, %.2f%%)\n", result.Messages, result.Filtered, filterPercent)
	if parts := c.Describe(); len(parts) > 0 {
		fmt.Fprintf(w, "Filters: %s\n", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w)

	for _, category := range categories {
		fmt.Fprintf(w, "Top %d %s:\n", top, category)
		stats.PrettyPrintTop(w, result.Counter[category], top)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, names []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, name := range names {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeName(name)))
		if err := writeCSVReport(filePath, counter[name], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range stats.Top(counts, limit) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
