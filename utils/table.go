package utils

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
)

// NewTable returns a table writer that renders to stdout.
func NewTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}
