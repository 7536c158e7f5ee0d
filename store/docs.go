package store

import (
	"encoding/json"
	"time"

	"github.com/grailbio/pathoscope/encoding/fastq"
)

// Sample is a sequenced sample.
type Sample struct {
	ID     string `json:"_id"`
	Name   string `json:"name,omitempty"`
	Paired bool   `json:"paired"`
	// Files are the read file paths, one per mate.
	Files   []string       `json:"files"`
	Quality *fastq.Quality `json:"quality,omitempty"`
}

// Index is a built reference index.
type Index struct {
	ID    string `json:"_id"`
	RefID string `json:"reference"`
	// Path is the bowtie2 index prefix.
	Path string `json:"path"`
	// Manifest maps an OTU id to the version the index was built from.
	Manifest map[string]int `json:"manifest"`
	// SequenceOTUMap maps a sequence id to its OTU id.
	SequenceOTUMap map[string]string `json:"sequence_otu_map"`
}

// Subtraction is a host genome reads are decontaminated against.
type Subtraction struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
	// Path is the bowtie2 index prefix.
	Path string `json:"path"`
}

// OTU is one version of an operational taxonomic unit.
type OTU struct {
	ID       string    `json:"_id"`
	Name     string    `json:"name"`
	Version  int       `json:"version"`
	Isolates []Isolate `json:"isolates"`
}

// Isolate groups the sequences of one OTU isolate.
type Isolate struct {
	ID        string     `json:"id"`
	Default   bool       `json:"default"`
	Sequences []Sequence `json:"sequences"`
}

// Sequence is a reference sequence.
type Sequence struct {
	ID       string `json:"_id"`
	Sequence string `json:"sequence"`
}

// Analysis is the record of one analysis run. Results is owned by the
// workflow that produced it.
type Analysis struct {
	ID            string          `json:"_id"`
	SampleID      string          `json:"sample"`
	IndexID       string          `json:"index"`
	RefID         string          `json:"reference"`
	SubtractionID string          `json:"subtraction,omitempty"`
	Workflow      string          `json:"workflow"`
	Ready         bool            `json:"ready"`
	Results       json.RawMessage `json:"results,omitempty"`
}

// JobArgs are the arguments a job was submitted with.
type JobArgs struct {
	SampleID      string `json:"sample_id"`
	AnalysisID    string `json:"analysis_id"`
	IndexID       string `json:"index_id"`
	RefID         string `json:"ref_id"`
	SubtractionID string `json:"subtraction_id"`
}

// Job is the job document.
type Job struct {
	ID       string  `json:"_id"`
	Workflow string  `json:"task"`
	Args     JobArgs `json:"args"`
	// Proc and Mem are the CPU and memory (GiB) budget of the job.
	Proc int `json:"proc"`
	Mem  int `json:"mem"`
	// Reserved holds the resources currently reserved by the running job.
	Reserved *Reservation `json:"reserved,omitempty"`
	Status   []Status     `json:"status"`
}

// Reservation is a proc/mem reservation.
type Reservation struct {
	Proc int `json:"proc"`
	Mem  int `json:"mem"`
}

// Status is one entry of a job's status history.
type Status struct {
	State     string       `json:"state"`
	Stage     string       `json:"stage"`
	Progress  float64      `json:"progress"`
	Error     *ErrorRecord `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ErrorRecord describes the failure that ended a job.
type ErrorRecord struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Traceback []string `json:"traceback"`
}
