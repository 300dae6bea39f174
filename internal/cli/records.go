package cli

import (
	"encoding/json"
	"fmt"

	"github.com/beyondbrewing/brewkv/internal/demo"
	"github.com/beyondbrewing/brewkv/store"
	"github.com/spf13/cobra"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	Add bool
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <record-json>",
		Short: "Insert or replace a customer",
		Long: `Insert or replace a customer record, keyed by ssn.

Example:
  brewkv put '{"ssn":"2","name":"LU","email":"lu@example.com"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r store.Record
			if err := json.Unmarshal([]byte(args[0]), &r); err != nil {
				return fmt.Errorf("invalid record JSON: %w", err)
			}
			return opts.withDemo(cmd, func(d *store.DB) error {
				put := d.Put
				if opts.Add {
					put = d.Add
				}
				pk, err := put(cmd.Context(), demo.Table, r)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"key": pk})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %v\n", pk)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Add, "add", false, "fail if the key already exists")

	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <ssn>",
		Short: "Print one customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDemo(cmd, func(d *store.DB) error {
				r, err := d.Get(cmd.Context(), demo.Table, args[0])
				if err != nil {
					return err
				}
				return writeRecords(cmd.OutOrStdout(), opts.Format, []store.Record{r})
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ssn>",
		Short: "Delete one customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDemo(cmd, func(d *store.DB) error {
				return d.Delete(cmd.Context(), demo.Table, args[0])
			})
		},
	}
}

// ScanOptions holds flags for the scan command.
type ScanOptions struct {
	*RootOptions
	Index string
	Value string
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List customers, optionally through an index",
		Long: `List customers in ssn order. With --index, list only the customers
whose indexed field equals --value.

Example:
  brewkv scan --index name --value Bill`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("value") && opts.Index == "" {
				return fmt.Errorf("--value needs --index")
			}
			return opts.withDemo(cmd, func(d *store.DB) error {
				seq := d.Scan(cmd.Context(), demo.Table)
				if opts.Index != "" {
					seq = d.ScanByIndex(cmd.Context(), demo.Table, opts.Index, parseValue(opts.Value))
				}
				var out []store.Record
				for r, err := range seq {
					if err != nil {
						return err
					}
					out = append(out, r)
				}
				return writeRecords(cmd.OutOrStdout(), opts.Format, out)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Index, "index", "", "index to scan")
	cmd.Flags().StringVar(&opts.Value, "value", "", "indexed value; JSON scalars are decoded")

	return cmd
}
