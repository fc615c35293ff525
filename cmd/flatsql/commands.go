package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
	"github.com/SimonWaldherr/flatSQL/internal/exporter"
	"github.com/SimonWaldherr/flatSQL/internal/importer"
)

// runScript executes every statement in src and prints each result. It
// stops at the first failure. Each statement receives the params whose
// :name it uses.
func runScript(ctx context.Context, e *engine.Engine, w io.Writer, src, format string, params map[string]string) error {
	for _, toks := range engine.SplitStatements(engine.Tokenize(src)) {
		st, err := e.Prepare(engine.Join(toks))
		if err != nil {
			return err
		}
		var args []any
		for _, name := range st.Names() {
			if v, ok := params[name]; ok {
				args = append(args, engine.Named(name, v))
			}
		}
		cur, err := st.Query(ctx, args...)
		if err != nil {
			return err
		}
		err = writeCursor(w, cur, format)
		_ = cur.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// parseParams reads name=value pairs. Names are matched case-insensitively.
func parseParams(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, val, ok := strings.Cut(p, "=")
		name = strings.ToLower(strings.TrimPrefix(name, ":"))
		if !ok || name == "" {
			return nil, fmt.Errorf("bad parameter %q, want name=value", p)
		}
		out[name] = val
	}
	return out, nil
}

func newExecCmd(a *app) *cobra.Command {
	var (
		file   string
		params []string
	)
	cmd := &cobra.Command{
		Use:   "exec [SQL]...",
		Short: "Execute SQL statements",
		Long:  "Execute ;-separated SQL from the arguments, a file (--file) or stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var src string
			switch {
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				src = string(b)
			case len(args) > 0:
				src = strings.Join(args, " ")
			default:
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				src = string(b)
			}
			named, err := parseParams(params)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), true, func(e *engine.Engine) error {
				return runScript(cmd.Context(), e, cmd.OutOrStdout(), src, a.format, named)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read SQL from this file")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "bind :name placeholders (name=value)")
	return cmd
}

func newTablesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), false, func(e *engine.Engine) error {
				names, err := e.Tables(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

func newDescribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe TABLE",
		Short: "Show the columns of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), false, func(e *engine.Engine) error {
				cur, err := e.Describe(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeCursor(cmd.OutOrStdout(), cur, a.format)
			})
		},
	}
}

func newVacuumCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), false, func(e *engine.Engine) error {
				st, err := e.Vacuum(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "lines %d -> %d, bytes %d -> %d (%s)\n",
					st.LinesBefore, st.LinesAfter, st.BytesBefore, st.BytesAfter, st.Took)
				return nil
			})
		},
	}
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create [NAME]",
		Short: "Create the database file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSuffix(filepath.Base(a.dbPath), filepath.Ext(a.dbPath))
			if len(args) == 1 {
				name = args[0]
			}
			return a.withEngine(cmd.Context(), false, func(e *engine.Engine) error {
				if err := e.CreateDatabase(cmd.Context(), name); err != nil {
					return err
				}
				a.log.Info("database created", "path", a.dbPath, "name", name)
				return nil
			})
		},
	}
}

func newDropCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Delete the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return errors.New("refusing to drop without --force")
			}
			return a.withEngine(cmd.Context(), false, func(e *engine.Engine) error {
				return e.DropDatabase(cmd.Context())
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm deletion")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var opts importer.ImportOptions
	var table string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Load CSV, TSV, JSON, GeoJSON, KML or shapefile data into a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TypeInference = true
			opts.CreateTable = true
			return a.withEngine(cmd.Context(), true, func(e *engine.Engine) error {
				res, err := importer.ImportFile(cmd.Context(), e, table, args[0], &opts)
				if err != nil {
					return err
				}
				for _, msg := range res.Errors {
					a.log.Warn("import", "file", args[0], "msg", msg)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d row(s), skipped %d, columns %s\n",
					res.RowsInserted, res.RowsSkipped, strings.Join(res.ColumnNames, ","))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&table, "table", "t", "", "target table (default: derived from the file name)")
	f.StringVar(&opts.HeaderMode, "header", "auto", "header row: auto, present, absent")
	f.StringVar(&opts.Encoding, "encoding", "", "source character set (default: detect)")
	f.BoolVar(&opts.Truncate, "truncate", false, "empty the table first")
	f.BoolVar(&opts.StrictTypes, "strict", false, "abort on the first value that does not fit its column")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export SQL",
		Short: "Write a query result to a file as csv, json, xml or gob",
		Long:  "Write a query result to --out in the --format encoding; table is written as csv.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return a.withEngine(cmd.Context(), false, func(e *engine.Engine) error {
				cur, err := e.Query(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				defer cur.Close()
				if a.format == formatTable {
					return exporter.ExportCSV(w, cur, exporter.Options{})
				}
				return writeCursor(w, cur, a.format)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}
