package subprocess

import (
	"strconv"
	"strings"
)

// Bowtie2 builds the bowtie2 and bowtie2-build command lines used by the
// Pathoscope workflow. The flag sets determine which alignments are reported
// and must not change between releases.
type Bowtie2 struct {
	// Proc is the number of aligner threads the job may use.
	Proc int
}

// threads returns Proc-1, leaving a CPU for the output handler, but at
// least one.
func (b Bowtie2) threads() string {
	if b.Proc <= 2 {
		return "1"
	}
	return strconv.Itoa(b.Proc - 1)
}

func (b Bowtie2) proc() string {
	if b.Proc < 1 {
		return "1"
	}
	return strconv.Itoa(b.Proc)
}

// MapDefaultIsolates maps reads against the full reference index.
func (b Bowtie2) MapDefaultIsolates(index string, reads []string) []string {
	return []string{
		"bowtie2",
		"-p", b.proc(),
		"--no-unal",
		"--local",
		"--score-min", "L,20,1.0",
		"-N", "0",
		"-L", "15",
		"-x", index,
		"-U", strings.Join(reads, ","),
	}
}

// MapIsolates maps reads against the per-sample isolate index, reporting up
// to 100 alignments per read. Reads that aligned are written to mapped.
func (b Bowtie2) MapIsolates(index, mapped string, reads []string) []string {
	return []string{
		"bowtie2",
		"-p", b.threads(),
		"--no-unal",
		"--local",
		"--score-min", "L,20,1.0",
		"-N", "0",
		"-L", "15",
		"-k", "100",
		"--al", mapped,
		"-x", index,
		"-U", strings.Join(reads, ","),
	}
}

// MapSubtraction maps the isolate-mapped reads against a host subtraction
// index.
func (b Bowtie2) MapSubtraction(index, mapped string) []string {
	return []string{
		"bowtie2",
		"--local",
		"-N", "0",
		"-p", b.threads(),
		"-x", index,
		"-U", mapped,
	}
}

// BuildIndex builds an index with the given prefix from a FASTA file.
func (b Bowtie2) BuildIndex(fasta, prefix string) []string {
	return []string{
		"bowtie2-build",
		"--threads", b.proc(),
		fasta,
		prefix,
	}
}
