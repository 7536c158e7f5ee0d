// Package store is the job document store the analysis pipeline reads its
// parameters from and writes status and results to. The production database
// sits behind the Store interface; this package provides a JSON document
// directory and an in-memory implementation of it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pathoscope/encoding/fastq"
)

// Store is the persistence collaborator of a job. All writes are scoped to
// documents owned by the calling job.
type Store interface {
	Job(ctx context.Context, id string) (*Job, error)
	// AppendStatus appends s to the status history of a job.
	AppendStatus(ctx context.Context, jobID string, s Status) error
	// SetReservation records the resources held by a job. A nil reservation
	// releases them.
	SetReservation(ctx context.Context, jobID string, r *Reservation) error

	Sample(ctx context.Context, id string) (*Sample, error)
	SetSampleQuality(ctx context.Context, id string, q fastq.Quality) error
	Index(ctx context.Context, id string) (*Index, error)
	Subtraction(ctx context.Context, id string) (*Subtraction, error)

	Analysis(ctx context.Context, id string) (*Analysis, error)
	// SetAnalysisResults marks an analysis ready and stores its results.
	SetAnalysisResults(ctx context.Context, id string, results json.RawMessage) error
	DeleteAnalysis(ctx context.Context, id string) error

	// PatchToVersion returns the OTU as it was at the given version.
	PatchToVersion(ctx context.Context, otuID string, version int) (*OTU, error)
}

// Collection names.
const (
	jobs         = "jobs"
	samples      = "samples"
	indexes      = "indexes"
	subtractions = "subtractions"
	analyses     = "analyses"
	otus         = "otus"
	history      = "history"
)

// IsNotFound reports whether err says that a document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(errors.NotExist, err)
}

func notFound(collection, id string) error {
	return errors.E(errors.NotExist, fmt.Sprintf("%s/%s not found", collection, id))
}

// backend stores raw documents by collection and id.
type backend interface {
	// get returns an error for which IsNotFound is true if the document does
	// not exist.
	get(ctx context.Context, collection, id string) ([]byte, error)
	put(ctx context.Context, collection, id string, data []byte) error
	delete(ctx context.Context, collection, id string) error
}

// DocStore implements Store over JSON documents.
type DocStore struct {
	b backend
	// Serializes read-modify-write updates.
	mu sync.Mutex
}

var _ Store = (*DocStore)(nil)

func (s *DocStore) load(ctx context.Context, collection, id string, v interface{}) error {
	data, err := s.b.get(ctx, collection, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.E(errors.Invalid, err, fmt.Sprintf("decode %s/%s", collection, id))
	}
	return nil
}

func get[T any](ctx context.Context, s *DocStore, collection, id string) (*T, error) {
	var v T
	if err := s.load(ctx, collection, id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *DocStore) save(ctx context.Context, collection, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.E(err, fmt.Sprintf("encode %s/%s", collection, id))
	}
	return s.b.put(ctx, collection, id, data)
}

// update loads a document into v, calls fn and saves the result.
func (s *DocStore) update(ctx context.Context, collection, id string, v interface{}, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx, collection, id, v); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.save(ctx, collection, id, v)
}

// Job implements Store.
func (s *DocStore) Job(ctx context.Context, id string) (*Job, error) {
	return get[Job](ctx, s, jobs, id)
}

// AppendStatus implements Store.
func (s *DocStore) AppendStatus(ctx context.Context, jobID string, st Status) error {
	var j Job
	return s.update(ctx, jobs, jobID, &j, func() error {
		j.Status = append(j.Status, st)
		return nil
	})
}

// SetReservation implements Store.
func (s *DocStore) SetReservation(ctx context.Context, jobID string, r *Reservation) error {
	var j Job
	return s.update(ctx, jobs, jobID, &j, func() error {
		j.Reserved = r
		return nil
	})
}

// Sample implements Store.
func (s *DocStore) Sample(ctx context.Context, id string) (*Sample, error) {
	return get[Sample](ctx, s, samples, id)
}

// SetSampleQuality implements Store.
func (s *DocStore) SetSampleQuality(ctx context.Context, id string, q fastq.Quality) error {
	var v Sample
	return s.update(ctx, samples, id, &v, func() error {
		v.Quality = &q
		return nil
	})
}

// Index implements Store.
func (s *DocStore) Index(ctx context.Context, id string) (*Index, error) {
	return get[Index](ctx, s, indexes, id)
}

// Subtraction implements Store.
func (s *DocStore) Subtraction(ctx context.Context, id string) (*Subtraction, error) {
	return get[Subtraction](ctx, s, subtractions, id)
}

// Analysis implements Store.
func (s *DocStore) Analysis(ctx context.Context, id string) (*Analysis, error) {
	return get[Analysis](ctx, s, analyses, id)
}

// SetAnalysisResults implements Store.
func (s *DocStore) SetAnalysisResults(ctx context.Context, id string, results json.RawMessage) error {
	var v Analysis
	return s.update(ctx, analyses, id, &v, func() error {
		v.Ready, v.Results = true, results
		return nil
	})
}

// DeleteAnalysis implements Store. Deleting a missing analysis is not an
// error.
func (s *DocStore) DeleteAnalysis(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.b.delete(ctx, analyses, id); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// PatchToVersion implements Store. Past versions are read from the history
// collection; the current document serves its own version.
func (s *DocStore) PatchToVersion(ctx context.Context, otuID string, version int) (*OTU, error) {
	var v OTU
	err := s.load(ctx, history, historyID(otuID, version), &v)
	if err == nil {
		return &v, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	if err = s.load(ctx, otus, otuID, &v); err != nil {
		return nil, err
	}
	if v.Version != version {
		return nil, notFound(history, historyID(otuID, version))
	}
	return &v, nil
}

func historyID(otuID string, version int) string {
	return fmt.Sprintf("%s.%d", otuID, version)
}

// PutJob stores a job document.
func (s *DocStore) PutJob(ctx context.Context, v *Job) error { return s.save(ctx, jobs, v.ID, v) }

// PutSample stores a sample document.
func (s *DocStore) PutSample(ctx context.Context, v *Sample) error {
	return s.save(ctx, samples, v.ID, v)
}

// PutIndex stores an index document.
func (s *DocStore) PutIndex(ctx context.Context, v *Index) error { return s.save(ctx, indexes, v.ID, v) }

// PutSubtraction stores a subtraction document.
func (s *DocStore) PutSubtraction(ctx context.Context, v *Subtraction) error {
	return s.save(ctx, subtractions, v.ID, v)
}

// PutAnalysis stores an analysis document.
func (s *DocStore) PutAnalysis(ctx context.Context, v *Analysis) error {
	return s.save(ctx, analyses, v.ID, v)
}

// PutOTU stores the current version of an OTU, and a copy of it in the
// history collection.
func (s *DocStore) PutOTU(ctx context.Context, v *OTU) error {
	if err := s.save(ctx, history, historyID(v.ID, v.Version), v); err != nil {
		return err
	}
	return s.save(ctx, otus, v.ID, v)
}
