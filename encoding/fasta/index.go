package fasta

import (
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
)

// IndexEntry is one line of a FASTA index (*.fai), as defined by "samtools
// faidx" (http://www.htslib.org/doc/faidx.html).
type IndexEntry struct {
	Name string
	// Length is the number of bases in the sequence.
	Length int64
	// Offset is the byte offset of the first base.
	Offset int64
	// LineBases and LineWidth are the number of bases and bytes per line.
	LineBases int64
	LineWidth int64
}

// WriteIndex writes entries in .fai format.
func WriteIndex(out io.Writer, entries []IndexEntry) error {
	w := tsv.NewWriter(out)
	for _, e := range entries {
		w.WriteString(e.Name)
		w.WriteInt64(e.Length)
		w.WriteInt64(e.Offset)
		w.WriteInt64(e.LineBases)
		w.WriteInt64(e.LineWidth)
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadIndex parses a .fai index.
func ReadIndex(in io.Reader) ([]IndexEntry, error) {
	r := tsv.NewReader(in)
	var entries []IndexEntry
	for {
		var e IndexEntry
		if err := r.Read(&e); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return nil, errors.E(err, "read FASTA index")
		}
		entries = append(entries, e)
	}
}

// IndexLengths returns the sequence lengths recorded in entries.
func IndexLengths(entries []IndexEntry) map[string]int {
	lengths := make(map[string]int, len(entries))
	for _, e := range entries {
		lengths[e.Name] = int(e.Length)
	}
	return lengths
}
