package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/beyondbrewing/brewkv/config"
	"github.com/beyondbrewing/brewkv/internal/demo"
	"github.com/beyondbrewing/brewkv/metrics"
	"github.com/beyondbrewing/brewkv/pkg/logger"
	"github.com/beyondbrewing/brewkv/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string

	cfg *config.Config
	log logger.Logger
}

// NewRootCommand creates the root command of the brewkv CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           config.APP_NAME,
		Short:         "brewkv - versioned transactional record store",
		Long:          "Open, migrate and query brewkv databases from the command line.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.SyncDefault()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default ./brewkv.yaml if present)")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.String("data-dir", "", "directory holding the databases")
	flags.String("engine", "", "storage engine (pebble|bolt|memory)")
	flags.String("compression", "", "record compression (none|lz4|zstd)")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (json|console)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewTablesCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"data-dir":     config.KeyDataDir,
	"engine":       config.KeyEngine,
	"compression":  config.KeyCompression,
	"log-level":    config.KeyLogLevel,
	"log-format":   config.KeyLogFormat,
	"metrics-addr": config.KeyMetricsAddr,
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	v := config.New()
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	cfg, err := config.Load(v, o.ConfigFile)
	if err != nil {
		return err
	}
	l, err := cfg.Logger()
	if err != nil {
		return err
	}
	logger.SetDefault(l)
	o.cfg = cfg
	o.log = l.With("component", "cli")
	return nil
}

// session is an open demo database plus the metrics endpoint serving it.
type session struct {
	db     *store.DB
	cancel context.CancelFunc
	group  *errgroup.Group
}

// openDemo opens the demo database with the loaded configuration. When a
// metrics address is configured the endpoint runs until close.
func (o *RootOptions) openDemo(ctx context.Context) (*session, error) {
	storeOpts, err := o.cfg.StoreOptions()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	obs, err := metrics.NewTxnObserver(reg)
	if err != nil {
		return nil, err
	}
	storeOpts = append(storeOpts, store.WithObserver(obs), store.WithLogger(logger.Default()))

	d, err := store.Open(ctx, demo.Request(), storeOpts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	if addr := o.cfg.MetricsAddr; addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr, reg, o.log) })
	}
	return &session{db: d, cancel: cancel, group: g}, nil
}

func (s *session) close() error {
	s.cancel()
	serveErr := s.group.Wait()
	if err := s.db.Close(); err != nil {
		return err
	}
	return serveErr
}

// withDemo runs fn against the demo database and closes it afterwards.
func (o *RootOptions) withDemo(cmd *cobra.Command, fn func(*store.DB) error) (err error) {
	s, err := o.openDemo(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()
	return fn(s.db)
}
