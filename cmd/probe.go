package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"price-extractor/catalog"
	"price-extractor/extractor"
	"price-extractor/normalizer"
	"price-extractor/utils"
)

var (
	probeSelectors []string
	probeLimit     int
)

// probeCmd runs one target end to end without writing anything. It is the
// tool for checking selectors after a site changes its layout.
var probeCmd = &cobra.Command{
	Use:   "probe <target-id>",
	Short: "Fetch, extract and validate one target without writing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return err
		}
		target, ok := cat.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown target %q", args[0])
		}

		n, err := normalizer.New(cfg.Timezone)
		if err != nil {
			return err
		}
		sessions, err := utils.NewSessionManager(cfg, logger)
		if err != nil {
			return err
		}
		defer sessions.Close()

		for _, url := range target.URLs() {
			fmt.Printf("=== %s ===\n", url)

			content, err := sessions.Fetch(cmd.Context(), target, url)
			if err != nil {
				fmt.Printf("Fetch failed: %v\n", err)
				continue
			}
			fmt.Printf("Status %d, %d bytes\n", content.StatusCode, len(content.HTML))

			if len(probeSelectors) > 0 {
				doc, err := extractor.ParseHTML(content.HTML)
				if err != nil {
					fmt.Printf("Failed to parse HTML: %v\n", err)
					continue
				}
				for _, sel := range probeSelectors {
					fmt.Printf("Elements matching %q: %d\n", sel, doc.Find(sel).Length())
				}
			}

			candidates, err := extractor.Extract(target, content)
			if err != nil {
				fmt.Printf("Extraction failed: %v\n", err)
				continue
			}

			t := utils.NewTable()
			t.AppendHeader(table.Row{"#", "Item", "Name", "Price", "Currency", "Unit", "Date", "Problem"})
			rejected := 0
			for i := range candidates {
				c := &candidates[i]
				rec, err := n.Normalize(target, c, content.FetchedAt)
				if err != nil {
					rejected++
				}
				if probeLimit > 0 && i >= probeLimit {
					continue
				}
				if err != nil {
					id, _ := c.Get("item_id")
					raw, _ := c.Get("price")
					t.AppendRow(table.Row{c.Position, id, "", raw, "", "", "", err.Error()})
					continue
				}
				t.AppendRow(table.Row{c.Position, rec.ItemID, truncate(rec.Name, 40), rec.Price, rec.Currency, rec.Unit, rec.ObservationDate, ""})
			}
			t.AppendFooter(table.Row{"", fmt.Sprintf("%d candidates", len(candidates)), fmt.Sprintf("%d rejected", rejected)})
			t.Render()
		}
		return nil
	},
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func init() {
	f := probeCmd.Flags()
	f.StringSliceVar(&probeSelectors, "selector", nil, "Also count elements matching these CSS selectors")
	f.IntVar(&probeLimit, "limit", 20, "Rows to print per page (0 prints all)")
	f.String("catalog", "", "Catalog file")
	f.String("endpoint", "", "Browser automation endpoint (empty launches a local browser)")
	f.String("backend", "", "Browser backend (chromedp, rod)")
	f.Bool("headless", true, "Run a locally launched browser headless")
	f.Duration("timeout", 0, "Timeout of one fetch attempt")
}
