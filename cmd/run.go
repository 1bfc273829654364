package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"price-extractor/catalog"
	"price-extractor/internal/types"
	"price-extractor/normalizer"
	"price-extractor/pipeline"
	"price-extractor/store"
	"price-extractor/utils"
)

var runTargets []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape the catalog and write price records",
	Long: `Runs every enabled target of the catalog (or the ones given with --target),
writes validated records under <out>/records and the run report under <out>/runs.

Exit status is 0 when the run succeeded or partially succeeded, 1 when it failed
and 2 when it was aborted by a storage failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return err
		}
		targets, err := cat.Select(cfg.Mode, runTargets)
		if err != nil {
			return err
		}

		st, err := store.New(cfg.OutPath, cfg.MergePolicy, logger)
		if err != nil {
			return err
		}
		if err := st.Check(); err != nil {
			return err
		}
		logger.Infof("Writing records to %s with merge policy %s", st.Root(), st.Policy())

		n, err := normalizer.New(cfg.Timezone)
		if err != nil {
			return err
		}

		sessions, err := utils.NewSessionManager(cfg, logger)
		if err != nil {
			return err
		}
		defer sessions.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report := pipeline.New(cfg, sessions, n, st, logger).Run(ctx, targets)

		if path, err := st.WriteReport(report); err != nil {
			logger.Errorf("Failed to persist run report: %v", err)
		} else {
			logger.Infof("Run report written to: %s", path)
		}

		printReport(report)
		exitCode = exitCodeFor(report.Status)
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringSliceVarP(&runTargets, "target", "t", nil, "Only run these target ids")
	f.String("out", "", "Output store directory")
	f.String("catalog", "", "Catalog file")
	f.String("mode", "", "Catalog mode (production, test)")
	f.String("merge-policy", "", "Merge policy for colliding keys (reject, overwrite, append-versioned)")
	f.Int("concurrency", 0, "Maximum targets processed at once")
	f.Duration("deadline", 0, "Deadline for the whole run")
	f.Duration("timeout", 0, "Timeout of one fetch attempt")
	f.Int("retries", 0, "Total fetch attempts per page")
	f.Duration("delay", 0, "Pause between pages of a target")
	f.Float64("fail-threshold", 0, "Fail the run when the share of failed targets exceeds this value")
	f.String("endpoint", "", "Browser automation endpoint (empty launches a local browser)")
	f.String("backend", "", "Browser backend (chromedp, rod)")
	f.Bool("headless", true, "Run a locally launched browser headless")
	f.Bool("stealth", false, "Inject stealth scripts (rod backend)")
}

func exitCodeFor(status types.RunStatus) int {
	switch status {
	case types.RunSucceeded, types.RunPartial:
		return 0
	case types.RunAborted:
		return 2
	default:
		return 1
	}
}

func printReport(r *types.RunReport) {
	t := utils.NewTable()
	t.SetTitle(fmt.Sprintf("Run %s: %s in %s", r.RunID, r.Status, r.Duration().Round(time.Millisecond)))
	t.AppendHeader(table.Row{"Target", "Status", "Kind", "Fetched", "Extracted", "Validated", "Rejected", "Written", "Unchanged", "Conflicts"})
	for _, o := range r.Targets {
		t.AppendRow(table.Row{
			o.TargetID, o.Status, o.ErrorKind, o.Fetched, o.Extracted, o.Validated,
			o.Rejected, o.Written, o.Unchanged, len(o.Conflicts),
		})
	}
	tot := r.Totals
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d targets", tot.Targets),
		fmt.Sprintf("%d ok / %d failed", tot.Succeeded, tot.Failed),
		fmt.Sprintf("%d no data / %d skipped", tot.NoData, tot.Skipped),
		tot.Fetched, tot.Extracted, tot.Validated, tot.Rejected, tot.Written, tot.Unchanged, tot.Conflicts,
	})
	t.Render()

	if r.FatalError != "" {
		fmt.Fprintln(os.Stderr, "Run aborted:", r.FatalError)
	}
}
