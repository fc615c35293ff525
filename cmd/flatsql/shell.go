package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
	"github.com/SimonWaldherr/flatSQL/internal/importer"
)

// prompter reads one line of input.
type prompter interface {
	Prompt(prompt string) (string, error)
}

// shellState is the interactive session.
type shellState struct {
	e      *engine.Engine
	in     prompter
	out    io.Writer
	format string
	hist   func(string)
}

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			histPath := ""
			if home, err := os.UserHomeDir(); err == nil {
				histPath = filepath.Join(home, ".flatsql_history")
				if f, err := os.Open(histPath); err == nil {
					_, _ = line.ReadHistory(f)
					f.Close()
				}
			}
			defer func() {
				if histPath == "" {
					return
				}
				if f, err := os.Create(histPath); err == nil {
					_, _ = line.WriteHistory(f)
					f.Close()
				}
			}()

			return a.withEngine(cmd.Context(), true, func(e *engine.Engine) error {
				s := &shellState{e: e, in: line, out: cmd.OutOrStdout(), format: a.format, hist: line.AppendHistory}
				fmt.Fprintf(s.out, "%s shell on %s. End statements with ';', '.help' for help.\n", engine.Version, a.dbPath)
				return s.run(cmd.Context())
			})
		},
	}
}

// run reads statements until EOF or .quit. Errors are printed and the
// session continues.
func (s *shellState) run(ctx context.Context) error {
	var buf strings.Builder
	for {
		prompt := "flatsql> "
		if buf.Len() > 0 {
			prompt = "     ...> "
		}
		line, err := s.in.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) {
			buf.Reset()
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}
		trimmed := strings.TrimSpace(line)
		if buf.Len() == 0 && strings.HasPrefix(trimmed, ".") {
			s.remember(trimmed)
			quit, err := s.handleMeta(ctx, trimmed)
			if err != nil {
				fmt.Fprintln(s.out, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		if !strings.HasSuffix(trimmed, ";") {
			continue
		}
		src := buf.String()
		buf.Reset()
		s.remember(strings.TrimSpace(src))
		if err := runScript(ctx, s.e, s.out, src, s.format, nil); err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *shellState) remember(line string) {
	if s.hist != nil && line != "" {
		s.hist(line)
	}
}

func (s *shellState) handleMeta(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ".help":
		fmt.Fprintln(s.out, `.help                  Show this help`)
		fmt.Fprintln(s.out, `.tables                List tables`)
		fmt.Fprintln(s.out, `.describe TABLE        Show the columns of a table`)
		fmt.Fprintln(s.out, `.format FORMAT         Set output format (table,csv,json,xml)`)
		fmt.Fprintln(s.out, `.read FILE             Execute SQL from file`)
		fmt.Fprintln(s.out, `.import FILE [TABLE]   Import data via auto-detected format`)
		fmt.Fprintln(s.out, `.vacuum                Compact the database file`)
		fmt.Fprintln(s.out, `.errors                Show recent errors`)
		fmt.Fprintln(s.out, `.quit/.exit            Exit the shell`)
	case ".quit", ".exit":
		return true, nil
	case ".tables":
		names, err := s.e.Tables(ctx)
		if err != nil {
			return false, err
		}
		if len(names) == 0 {
			fmt.Fprintln(s.out, "(no tables)")
			return false, nil
		}
		fmt.Fprintln(s.out, strings.Join(names, " "))
	case ".describe":
		if len(fields) != 2 {
			return false, errors.New("usage: .describe TABLE")
		}
		cur, err := s.e.Describe(ctx, fields[1])
		if err != nil {
			return false, err
		}
		return false, writeCursor(s.out, cur, s.format)
	case ".format", ".mode":
		if len(fields) != 2 || !validFormat(strings.ToLower(fields[1])) {
			return false, errors.New("usage: .format table|csv|json|xml")
		}
		s.format = strings.ToLower(fields[1])
		fmt.Fprintln(s.out, "format set to", s.format)
	case ".read":
		if len(fields) != 2 {
			return false, errors.New("usage: .read FILE")
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			return false, err
		}
		return false, runScript(ctx, s.e, s.out, string(data), s.format, nil)
	case ".import":
		if len(fields) < 2 || len(fields) > 3 {
			return false, errors.New("usage: .import FILE [TABLE]")
		}
		table := ""
		if len(fields) == 3 {
			table = fields[2]
		}
		res, err := importer.ImportFile(ctx, s.e, table, fields[1], &importer.ImportOptions{TypeInference: true, CreateTable: true})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "imported %d row(s)\n", res.RowsInserted)
	case ".vacuum":
		st, err := s.e.Vacuum(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "lines %d -> %d\n", st.LinesBefore, st.LinesAfter)
	case ".errors":
		for _, err := range s.e.Errors() {
			fmt.Fprintln(s.out, err)
		}
	default:
		return false, fmt.Errorf("unknown command %s, try .help", fields[0])
	}
	return false, nil
}
