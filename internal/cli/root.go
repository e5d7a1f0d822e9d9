package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/crossdevice/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Driver  string // SQLite driver for commands that open a database

	logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Logger returns the command logger, or a no-op logger before the root
// command has built one.
func (o *RootOptions) Logger() *zap.Logger {
	if o.logger == nil {
		return zap.NewNop()
	}
	return o.logger
}

// NewRootCommand creates the root command for the crossdevice CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	level := zap.NewAtomicLevelAt(zapcore.WarnLevel)

	cmd := &cobra.Command{
		Use:   "crossdevice",
		Short: "Cross-device state coordination",
		Long: `Operator tooling for the cross-device coordination engine.

Runs scenarios against a fully wired engine and inspects the state a
device persisted (crisis fallback, registry, conflict audit, archived
operations) without any network access.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if !store.Driver(opts.Driver).Valid() {
				return fmt.Errorf("invalid driver %q: must be %s or %s", opts.Driver, store.DriverCGO, store.DriverPure)
			}
			if opts.Verbose {
				level.SetLevel(zapcore.DebugLevel)
			}
			logger, err := newLogger(level)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", string(store.DriverCGO), "sqlite driver (sqlite3|sqlite)")

	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewCrisisCommand(opts))
	cmd.AddCommand(NewDevicesCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewOperationsCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// newLogger builds a production JSON logger on stderr at the given level.
func newLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	return cfg.Build()
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) driver() store.Driver {
	if o.Driver == "" {
		return store.DriverCGO
	}
	return store.Driver(o.Driver)
}
