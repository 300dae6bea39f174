package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/beyondbrewing/brewkv/config"
	"github.com/beyondbrewing/brewkv/internal/demo"
	"github.com/beyondbrewing/brewkv/store"
	"github.com/spf13/cobra"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Hold bool
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Create MyTestDatabase and walk through the customers example",
		Long: `Open MyTestDatabase at version 3, creating and seeding it on first
use, then list the customers, look Bill up by name and show a unique
email conflict being refused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openDemo(cmd.Context())
			if err != nil {
				return err
			}
			err = runDemo(cmd, s.db)
			if err == nil && opts.Hold {
				opts.log.Info("holding database open", "metrics_addr", opts.cfg.MetricsAddr)
				<-cmd.Context().Done()
			}
			if cerr := s.close(); err == nil {
				err = cerr
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Hold, "hold", false, "keep the database and metrics endpoint open until interrupted")

	return cmd
}

func runDemo(cmd *cobra.Command, d *store.DB) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "%s version %d, tables %v\n", d.Name(), d.Version(), d.Tables())

	_, err := d.Add(ctx, demo.Table, store.Record{"ssn": "2", "name": "LU", "email": "2296889376@qq.com"})
	switch {
	case errors.Is(err, store.ErrKeyExists):
		fmt.Fprintln(w, "LU already present")
	case err != nil:
		return err
	default:
		fmt.Fprintln(w, "insert success")
	}

	if err := listCustomers(w, d.Scan(ctx, demo.Table)); err != nil {
		return err
	}

	fmt.Fprintln(w, "customers named Bill:")
	if err := listCustomers(w, d.ScanByIndex(ctx, demo.Table, "name", "Bill")); err != nil {
		return err
	}

	_, err = d.Put(ctx, demo.Table, store.Record{"ssn": "666-66-6666", "name": "Eve", "email": "bill@company.com"})
	var uc *store.UniqueConstraintError
	if !errors.As(err, &uc) {
		return fmt.Errorf("expected a unique constraint violation, got %v", err)
	}
	fmt.Fprintf(w, "refused: email %v already belongs to %v\n", uc.Value, uc.ExistingKey)
	return nil
}

func listCustomers(w io.Writer, seq func(func(store.Record, error) bool)) error {
	for r, err := range seq {
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Name for SSN %v is %v\n", r["ssn"], r["name"])
	}
	return nil
}

// NewVersionCommand creates the version command.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the brewkv version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"name":    config.APP_NAME,
					"version": config.APP_VERSION,
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", config.APP_NAME, config.APP_VERSION)
			return err
		},
	}
}
