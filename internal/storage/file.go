package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Line is one physical line of the database file without its newline.
type Line struct {
	No   int   // 1-based line number
	Off  int64 // byte offset of the first byte
	Text []byte
}

// File exposes line-addressed primitives over the database file. Every call
// opens and closes its own handle.
type File struct {
	path string
}

// NewFile wraps a database path.
func NewFile(path string) *File { return &File{path: path} }

// Path returns the file path.
func (f *File) Path() string { return f.path }

func (f *File) open(flag int) (*os.File, error) {
	fh, err := os.OpenFile(f.path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.path, err)
	}
	return fh, nil
}

// Scan streams every line to fn. Returning errStop from fn ends the scan
// without error. The Text slice is only valid during the callback.
func (f *File) Scan(ctx context.Context, fn func(Line) error) error {
	fh, err := f.open(os.O_RDONLY)
	if err != nil {
		return err
	}
	defer fh.Close()
	return scanLines(ctx, fh, fn)
}

var errStop = errors.New("stop scan")

func scanLines(ctx context.Context, r io.Reader, fn func(Line) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var off int64
	no := 0
	for {
		text, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// Long line: accumulate the remainder.
			buf := append([]byte(nil), text...)
			for err == bufio.ErrBufferFull {
				text, err = br.ReadSlice('\n')
				buf = append(buf, text...)
			}
			text = buf
		}
		if len(text) > 0 {
			no++
			n := len(text)
			body := text
			if body[len(body)-1] == '\n' {
				body = body[:len(body)-1]
			}
			if no%1024 == 0 {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
			}
			if ferr := fn(Line{No: no, Off: off, Text: body}); ferr != nil {
				if ferr == errStop {
					return nil
				}
				return ferr
			}
			off += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read database file: %w", err)
		}
	}
}

// Head returns the first three lines.
func (f *File) Head() ([3]string, error) {
	var head [3]string
	n := 0
	err := f.Scan(context.Background(), func(l Line) error {
		head[l.No-1] = string(l.Text)
		n = l.No
		if l.No == 3 {
			return errStop
		}
		return nil
	})
	if err != nil {
		return head, err
	}
	if n < 3 {
		return head, fmt.Errorf("database file %s is truncated (%d structural lines)", f.path, n)
	}
	return head, nil
}

// ReadLine returns line n (1-based).
func (f *File) ReadLine(n int) (Line, error) {
	var out Line
	found := false
	err := f.Scan(context.Background(), func(l Line) error {
		if l.No == n {
			out = Line{No: l.No, Off: l.Off, Text: append([]byte(nil), l.Text...)}
			found = true
			return errStop
		}
		return nil
	})
	if err != nil {
		return Line{}, err
	}
	if !found {
		return Line{}, fmt.Errorf("line %d out of range", n)
	}
	return out, nil
}

// Append writes the given lines at the end of the file and returns the
// offset of the first one.
func (f *File) Append(lines ...[]byte) (int64, error) {
	fh, err := f.open(os.O_WRONLY | os.O_APPEND)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	st, err := fh.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.path, err)
	}
	if _, err := fh.Write(buf.Bytes()); err != nil {
		return 0, fmt.Errorf("append %s: %w", f.path, err)
	}
	return st.Size(), nil
}

// WriteAt overwrites bytes at a fixed offset.
func (f *File) WriteAt(off int64, b []byte) error {
	fh, err := f.open(os.O_WRONLY)
	if err != nil {
		return err
	}
	defer fh.Close()
	if _, err := fh.WriteAt(b, off); err != nil {
		return fmt.Errorf("write %s at %d: %w", f.path, off, err)
	}
	return nil
}

// Blank overwrites n bytes at off with spaces, keeping the newline.
func (f *File) Blank(off int64, n int) error {
	return f.WriteAt(off, bytes.Repeat([]byte{' '}, n))
}

// Span addresses the bytes of one line, newline excluded.
type Span struct {
	Off int64
	Len int
}

// BlankSpans blanks several lines through one handle.
func (f *File) BlankSpans(spans []Span) error {
	if len(spans) == 0 {
		return nil
	}
	fh, err := f.open(os.O_WRONLY)
	if err != nil {
		return err
	}
	defer fh.Close()
	for _, s := range spans {
		if _, err := fh.WriteAt(bytes.Repeat([]byte{' '}, s.Len), s.Off); err != nil {
			return fmt.Errorf("blank %s at %d: %w", f.path, s.Off, err)
		}
	}
	return nil
}

// BlankAndAppend blanks the old copy of a line and appends its new content,
// so concurrent readers see either the old line or a blank, never a torn
// line.
func (f *File) BlankAndAppend(off int64, n int, line []byte) error {
	if err := f.Blank(off, n); err != nil {
		return err
	}
	_, err := f.Append(line)
	return err
}

// ReplaceLine replaces line n. Same-length content is overwritten in place,
// anything else rewrites the file.
func (f *File) ReplaceLine(n int, text []byte) error {
	old, err := f.ReadLine(n)
	if err != nil {
		return err
	}
	if len(old.Text) == len(text) {
		return f.WriteAt(old.Off, text)
	}
	return f.Rewrite(context.Background(), func(l Line, w *bufio.Writer) error {
		if l.No == n {
			return writeLine(w, text)
		}
		return writeLine(w, l.Text)
	})
}

func writeLine(w *bufio.Writer, text []byte) error {
	if _, err := w.Write(text); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// Rewrite streams every line through fn into a temporary file that then
// atomically replaces the database file. fn decides what to emit.
func (f *File) Rewrite(ctx context.Context, fn func(l Line, w *bufio.Writer) error) error {
	src, err := f.open(os.O_RDONLY)
	if err != nil {
		return err
	}
	defer src.Close()
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	w := bufio.NewWriterSize(tmp, 64*1024)
	if err := scanLines(ctx, src, func(l Line) error { return fn(l, w) }); err != nil {
		cleanup()
		return err
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if st, err := os.Stat(f.path); err == nil {
		os.Chmod(tmpName, st.Mode().Perm())
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// WriteAll replaces the file with the given lines.
func (f *File) WriteAll(lines [][]byte) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(name, f.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// Size returns the current file size.
func (f *File) Size() (int64, error) {
	st, err := os.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.path, err)
	}
	return st.Size(), nil
}
