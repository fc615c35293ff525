// Command flatsql runs SQL against a FlatSQL database file.
//
// Subcommands cover one-shot execution, an interactive shell, schema
// inspection, vacuum, bulk import and result export. Engine settings are
// read from a YAML file given with --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/SimonWaldherr/flatSQL/internal/config"
	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "flatsql: %v\n", err)
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	dbPath   string
	cfgPath  string
	format   string
	logLevel string

	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "flatsql",
		Short:         "FlatSQL single-file database tool",
		Version:       engine.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.dbPath, "db", "d", "flatsql.fsql", "database file")
	pf.StringVar(&a.cfgPath, "config", "", "YAML config file")
	pf.StringVarP(&a.format, "format", "f", "table", "output format: table, csv, json, xml, gob")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newExecCmd(a),
		newShellCmd(a),
		newTablesCmd(a),
		newDescribeCmd(a),
		newVacuumCmd(a),
		newCreateCmd(a),
		newDropCmd(a),
		newImportCmd(a),
		newExportCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	a.cfg = &config.Config{}
	if a.cfgPath != "" {
		cfg, err := config.Load(a.cfgPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	level := a.cfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		level = a.logLevel
	}
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return err
	}
	if !validFormat(a.format) {
		return fmt.Errorf("unknown format %q", a.format)
	}
	a.log = newLogger(cmd.ErrOrStderr(), lvl)
	return nil
}

// newLogger writes colourised logs to w when it is a terminal.
func newLogger(w io.Writer, lvl slog.Level) *slog.Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
}

// open returns an engine for the configured file. create controls whether
// a missing file is created; the config file may still forbid it.
func (a *app) open(create bool) (*engine.Engine, error) {
	opts := append(a.cfg.Options(), engine.WithLogger(a.log))
	if !create {
		opts = append(opts, engine.WithoutAutoCreate())
	}
	return engine.Open(a.dbPath, opts...)
}

// withEngine opens the database, runs fn and closes it.
func (a *app) withEngine(ctx context.Context, create bool, fn func(*engine.Engine) error) error {
	e, err := a.open(create)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn("close failed", "path", a.dbPath, "err", err)
		}
	}()
	return fn(e)
}
