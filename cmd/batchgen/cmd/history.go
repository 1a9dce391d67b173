package cmd

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/paulgrammer/genbatch/internal/history"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List previously generated artifacts",
	Long:  `History prints the artifacts recorded by earlier runs, newest first.`,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of entries, 0 for all")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON instead of a table")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	recs, err := history.NewStore(cfg.HistoryFile).Load()
	if err != nil {
		return err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Time.After(recs[j].Time) })
	if historyLimit > 0 && len(recs) > historyLimit {
		recs = recs[:historyLimit]
	}
	return printHistory(cmd.OutOrStdout(), recs, historyJSON)
}

func printHistory(w io.Writer, recs []history.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Batch", "Job", "Output", "Warning")
	for _, r := range recs {
		output := r.LocalPath
		if output == "" {
			output = r.URL
		}
		name := r.DisplayName
		if name == "" {
			name = r.JobID
		}
		table.Append(r.Time.Local().Format(time.DateTime), shortID(r.BatchID), name, output, r.Warning)
	}
	return table.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
