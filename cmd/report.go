package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"price-extractor/store"
	"price-extractor/utils"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the latest run report",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(cfg.OutPath, cfg.MergePolicy, logger)
		if err != nil {
			return err
		}
		report, path, err := st.LatestReport()
		if err != nil {
			return err
		}

		if reportJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Println(path)
		printReport(report)

		// per-target problems, one line each
		t := utils.NewTable()
		t.AppendHeader(table.Row{"Target", "URL", "Kind", "Detail"})
		for _, o := range report.Targets {
			for _, pe := range o.PageErrors {
				t.AppendRow(table.Row{o.TargetID, pe.URL, pe.Kind, pe.Message})
			}
			for _, c := range o.Conflicts {
				t.AppendRow(table.Row{o.TargetID, "", "KeyConflict", fmt.Sprintf("%s stored %v, got %v", c.Key, c.Stored, c.Incoming)})
			}
		}
		if t.Length() > 0 {
			t.Render()
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the report as JSON")
	reportCmd.Flags().String("out", "", "Output store directory")
}
