package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"price-extractor/catalog"
	"price-extractor/utils"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the target catalog",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the catalog and report every problem in it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d targets OK\n", cfg.CatalogPath, len(cat.Targets))
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the targets selected for the configured mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return err
		}
		targets, err := cat.Select(cfg.Mode, nil)
		if err != nil {
			return err
		}

		t := utils.NewTable()
		t.AppendHeader(table.Row{"ID", "Name", "Render", "Pages", "Test", "Location"})
		for _, tg := range targets {
			t.AppendRow(table.Row{tg.ID, tg.Name, tg.Render, len(tg.URLs()), tg.Test, tg.Location})
		}
		t.AppendFooter(table.Row{fmt.Sprintf("%d targets", len(targets)), "", "", "", "", strings.ToUpper(cfg.Mode)})
		t.Render()
		return nil
	},
}

func init() {
	catalogCmd.PersistentFlags().String("catalog", "", "Catalog file")
	catalogCmd.PersistentFlags().String("mode", "", "Catalog mode (production, test)")
	catalogCmd.AddCommand(catalogValidateCmd, catalogListCmd)
}
