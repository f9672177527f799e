package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/yaebot/internal/store"
	"github.com/nugget/yaebot/internal/usage"
)

func newUsageCmd(stdout io.Writer, flags *globalFlags) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize token usage recorded by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer st.Close()
			ledger, err := usage.New(st.DB())
			if err != nil {
				return err
			}

			end := time.Now()
			report, err := buildUsageReport(cmd, ledger, end.Add(-since), end)
			if err != nil {
				return err
			}
			return writeUsageReport(stdout, flags.output, report)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to summarize")
	return cmd
}

type usageReport struct {
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
	ByChat  map[string]*usage.Summary `json:"by_chat"`
}

func buildUsageReport(cmd *cobra.Command, ledger *usage.Store, start, end time.Time) (*usageReport, error) {
	ctx := cmd.Context()
	total, err := ledger.Summary(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byModel, err := ledger.SummaryByModel(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byChat, err := ledger.SummaryByChat(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &usageReport{Start: start, End: end, Total: total, ByModel: byModel, ByChat: byChat}, nil
}

func writeUsageReport(w io.Writer, outputFmt string, r *usageReport) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "Usage %s to %s\n", r.Start.Format(time.DateTime), r.End.Format(time.DateTime))
	fmt.Fprintf(w, "  steps: %d  input: %d  output: %d\n", r.Total.TotalRecords, r.Total.TotalInputTokens, r.Total.TotalOutputTokens)
	for _, section := range []struct {
		title string
		rows  map[string]*usage.Summary
	}{{"By model", r.ByModel}, {"By chat", r.ByChat}} {
		if len(section.rows) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", section.title)
		for _, key := range slices.Sorted(maps.Keys(section.rows)) {
			s := section.rows[key]
			fmt.Fprintf(w, "  %-32s steps=%-6d in=%-10d out=%d\n", key, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens)
		}
	}
	return nil
}
