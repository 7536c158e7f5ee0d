// Package vta reads and writes the comma-separated alignment records that
// are exchanged between the mapping stages and the Pathoscope EM. Each line
// holds one (read, reference) alignment:
//
//   read_id,ref_id,pos,length,score
//
// There is no header line. Pos is the 0-based leftmost reference position of
// the alignment and length is the read length. Score is the Pathoscope
// alignment score (see package samline) for the raw mapping output, or the
// reassigned posterior probability for the output of the EM.
package vta

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

// Record is one parsed VTA line.
type Record struct {
	ReadID string
	RefID  string
	Pos    int
	Length int
	Score  float64
}

// End returns the exclusive end position of the alignment.
func (r Record) End() int { return r.Pos + r.Length }

// MalformedError is returned when a VTA line does not have exactly five
// fields, or when its position, length or score are not numeric.
type MalformedError struct {
	// Path is the file being read, if known.
	Path string
	// Line is the 1-based line number.
	Line int
	// Text is the offending line.
	Text   string
	Reason string
}

func (e *MalformedError) Error() string {
	path := e.Path
	if path == "" {
		path = "<vta>"
	}
	return fmt.Sprintf("%s:%d: malformed alignment record %q: %s", path, e.Line, e.Text, e.Reason)
}

const nFields = 5

// Parse parses a single VTA line. The trailing newline, if any, must have
// been removed. The returned error, if any, is a *MalformedError with Line
// unset.
func Parse(line []byte) (Record, error) {
	var (
		fields [nFields][]byte
		rest   = line
	)
	for n := 0; n < nFields; n++ {
		i := bytes.IndexByte(rest, ',')
		if n == nFields-1 {
			if i >= 0 {
				return Record{}, malformed(line, "too many fields")
			}
			fields[n] = rest
			break
		}
		if i < 0 {
			return Record{}, malformed(line, fmt.Sprintf("expected %d fields, found %d", nFields, n+1))
		}
		fields[n] = rest[:i]
		rest = rest[i+1:]
	}
	if len(fields[0]) == 0 || len(fields[1]) == 0 {
		return Record{}, malformed(line, "empty read or reference id")
	}
	pos, err := strconv.Atoi(string(fields[2]))
	if err != nil {
		return Record{}, malformed(line, "non-numeric position")
	}
	length, err := strconv.Atoi(string(fields[3]))
	if err != nil {
		return Record{}, malformed(line, "non-numeric length")
	}
	score, err := strconv.ParseFloat(string(fields[4]), 64)
	if err != nil {
		return Record{}, malformed(line, "non-numeric score")
	}
	return Record{
		ReadID: string(fields[0]),
		RefID:  string(fields[1]),
		Pos:    pos,
		Length: length,
		Score:  score,
	}, nil
}

func malformed(line []byte, reason string) *MalformedError {
	return &MalformedError{Text: string(line), Reason: reason}
}

// Scanner reads VTA records one line at a time. Blank lines are skipped.
// Scanner is not thread safe.
type Scanner struct {
	sc   *bufio.Scanner
	path string
	line int
	rec  Record
	err  error
}

// NewScanner creates a Scanner reading from r. Path is used in error
// messages only and may be empty.
func NewScanner(r io.Reader, path string) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	return &Scanner{sc: sc, path: path}
}

// Scan reads the next record. It returns false on EOF or on error; Err
// distinguishes the two.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	for s.sc.Scan() {
		s.line++
		line := bytes.TrimRight(s.sc.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		rec, err := Parse(line)
		if err != nil {
			e := err.(*MalformedError)
			e.Path, e.Line = s.path, s.line
			s.err = e
			return false
		}
		s.rec = rec
		return true
	}
	if err := s.sc.Err(); err != nil {
		s.err = errors.Wrapf(err, "read %s", s.path)
	}
	return false
}

// Record returns the record read by the last successful Scan.
func (s *Scanner) Record() Record { return s.rec }

// Err returns the first error encountered, or nil on a clean EOF.
func (s *Scanner) Err() error { return s.err }

// Writer writes VTA records. Writes are buffered; Flush must be called once
// all records have been written.
type Writer struct {
	w   *bufio.Writer
	buf []byte
	n   int
	err error
}

// NewWriter creates a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 256<<10)}
}

// Write appends one record. Once a write fails, all subsequent calls return
// the same error.
func (w *Writer) Write(r Record) error {
	if w.err != nil {
		return w.err
	}
	b := w.buf[:0]
	b = append(b, r.ReadID...)
	b = append(b, ',')
	b = append(b, r.RefID...)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(r.Pos), 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(r.Length), 10)
	b = append(b, ',')
	b = strconv.AppendFloat(b, r.Score, 'g', -1, 64)
	b = append(b, '\n')
	w.buf = b
	if _, err := w.w.Write(b); err != nil {
		w.err = err
		return err
	}
	w.n++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int { return w.n }

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

// ReadFile calls fn for every record in the VTA file at path. It stops at the
// first error returned by fn or by the scanner.
func ReadFile(ctx context.Context, path string, fn func(Record) error) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	sc := NewScanner(in.Reader(ctx), path)
	for sc.Scan() {
		if err = fn(sc.Record()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// WriteFile creates the file at path and calls fn with a Writer for it. The
// writer is flushed and the file closed once fn returns.
func WriteFile(ctx context.Context, path string, fn func(*Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := NewWriter(out.Writer(ctx))
	if err = fn(w); err != nil {
		return err
	}
	return w.Flush()
}
