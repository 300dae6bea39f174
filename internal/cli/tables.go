package cli

import (
	"fmt"

	"github.com/beyondbrewing/brewkv/schema"
	"github.com/beyondbrewing/brewkv/store"
	"github.com/spf13/cobra"
)

// NewTablesCommand creates the tables command.
func NewTablesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "Print the schema of the demo database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDemo(cmd, func(d *store.DB) error {
				var tables []*schema.Table
				for _, name := range d.Tables() {
					t, err := d.Schema(name)
					if err != nil {
						return err
					}
					tables = append(tables, t)
				}

				w := cmd.OutOrStdout()
				if opts.Format == "json" {
					return writeJSON(w, map[string]any{"version": d.Version(), "tables": tables})
				}
				fmt.Fprintf(w, "version %d\n", d.Version())
				for _, t := range tables {
					fmt.Fprintf(w, "%s (key %s %s)\n", t.Name, t.KeyPath, t.KeyKind)
					for _, name := range t.IndexNames() {
						ix := t.Indexes[name]
						unique := ""
						if ix.Unique {
							unique = " unique"
						}
						fmt.Fprintf(w, "  index %s on %s%s\n", ix.Name, ix.KeyPath, unique)
					}
				}
				return nil
			})
		},
	}
}
