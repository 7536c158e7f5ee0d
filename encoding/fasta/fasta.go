// Package fasta reads and writes the FASTA files holding isolate reference
// sequences. A FASTA file consists of named sequences, each introduced by a
// '>' line and optionally broken over several lines:
//
// >NC_001477
// ACGTAC
// GAGG
// >NC_038882 Dengue virus 2
// ACGT
//
// Sequence names stop at the first space; the rest of the '>' line is
// ignored. Files written by Writer keep each sequence on a single line.
package fasta

import (
	"bufio"
	"bytes"
	"io"

	"github.com/grailbio/pathoscope/biosimd"
	"github.com/pkg/errors"
)

const maxLineLen = 1 << 30

// Fasta is a set of named sequences held in memory.
type Fasta interface {
	// Get returns the bases of seqName in the 0-based half-open interval
	// [start, end).
	Get(seqName string, start, end uint64) (string, error)

	// Len returns the length of the given sequence.
	Len(seqName string) (uint64, error)

	// SeqNames returns the names of all sequences, in the order of appearance in
	// the FASTA file.
	SeqNames() []string
}

type fasta struct {
	seqs     map[string]string
	seqNames []string
}

// seqName extracts the sequence name from a '>' line.
func seqName(line []byte) string {
	name := line[1:]
	if i := bytes.IndexAny(name, " \t"); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// New reads all FASTA data from r into memory.
func New(r io.Reader) (Fasta, error) {
	f := &fasta{seqs: map[string]string{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineLen)
	var (
		name string
		seq  bytes.Buffer
		open bool
	)
	add := func() error {
		if _, dup := f.seqs[name]; dup {
			return errors.Errorf("duplicate sequence name %q", name)
		}
		f.seqs[name] = seq.String()
		f.seqNames = append(f.seqNames, name)
		seq.Reset()
		return nil
	}
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if open {
				if err := add(); err != nil {
					return nil, err
				}
			}
			name, open = seqName(line), true
			if name == "" {
				return nil, errors.New("malformed FASTA file: empty sequence name")
			}
			continue
		}
		if !open {
			return nil, errors.New("malformed FASTA file: sequence data before the first name")
		}
		seq.Write(line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	if open {
		if err := add(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Get implements Fasta.Get().
func (f *fasta) Get(seqName string, start, end uint64) (string, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found: %s", seqName)
	}
	if end <= start {
		return "", errors.New("start must be less than end")
	}
	if end > uint64(len(s)) {
		return "", errors.Errorf("invalid query range %d - %d for sequence %s with length %d",
			start, end, seqName, len(s))
	}
	return s[start:end], nil
}

// Len implements Fasta.Len().
func (f *fasta) Len(seqName string) (uint64, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seqName)
	}
	return uint64(len(s)), nil
}

// SeqNames implements Fasta.SeqNames().
func (f *fasta) SeqNames() []string {
	return f.seqNames
}

// Lengths returns the length of every sequence in f.
func Lengths(f Fasta) (map[string]int, error) {
	lengths := make(map[string]int, len(f.SeqNames()))
	for _, name := range f.SeqNames() {
		n, err := f.Len(name)
		if err != nil {
			return nil, err
		}
		lengths[name] = int(n)
	}
	return lengths, nil
}

// Writer writes sequences in FASTA format and records their index entries.
type Writer struct {
	w     *bufio.Writer
	off   int64
	index []IndexEntry
	names map[string]bool
	err   error
}

// NewWriter creates a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w), names: map[string]bool{}}
}

// Write appends one sequence. Names must be unique and must not contain
// spaces. Lowercase bases are capitalized and any other non-ACGT character
// is written as N.
func (w *Writer) Write(name, seq string) error {
	if w.err != nil {
		return w.err
	}
	if name == "" || bytes.ContainsAny([]byte(name), " \t\n") {
		return errors.Errorf("invalid sequence name %q", name)
	}
	if w.names[name] {
		return errors.Errorf("duplicate sequence name %q", name)
	}
	w.names[name] = true
	if biosimd.IsNonACGTNPresent(seq) {
		b := []byte(seq)
		biosimd.CleanASCIISeqInplace(b)
		seq = string(b)
	}
	header := int64(len(name) + 2)
	w.index = append(w.index, IndexEntry{
		Name:      name,
		Length:    int64(len(seq)),
		Offset:    w.off + header,
		LineBases: int64(len(seq)),
		LineWidth: int64(len(seq) + 1),
	})
	w.off += header + int64(len(seq)) + 1
	for _, s := range []string{">", name, "\n", seq, "\n"} {
		if _, w.err = w.w.WriteString(s); w.err != nil {
			return w.err
		}
	}
	return nil
}

// Index returns the index entries of the sequences written so far.
func (w *Writer) Index() []IndexEntry { return w.index }

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}
