package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// NewMemory creates an empty in-memory store.
func NewMemory() *DocStore {
	return &DocStore{b: &memBackend{docs: map[string][]byte{}}}
}

type memBackend struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (m *memBackend) get(_ context.Context, collection, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[collection+"/"+id]
	if !ok {
		return nil, notFound(collection, id)
	}
	return data, nil
}

func (m *memBackend) put(_ context.Context, collection, id string, data []byte) error {
	m.mu.Lock()
	m.docs[collection+"/"+id] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *memBackend) delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	if _, ok := m.docs[key]; !ok {
		return notFound(collection, id)
	}
	delete(m.docs, key)
	return nil
}

// NewDir opens a store kept as JSON files under the local directory root,
// one subdirectory per collection. The directories are created if needed.
func NewDir(root string) (*DocStore, error) {
	for _, c := range []string{jobs, samples, indexes, subtractions, analyses, otus, history} {
		if err := os.MkdirAll(filepath.Join(root, c), 0755); err != nil {
			return nil, errors.E(err, "create store directory", root)
		}
	}
	return &DocStore{b: dirBackend(root)}, nil
}

type dirBackend string

func (d dirBackend) path(collection, id string) string {
	return filepath.Join(string(d), collection, id+".json")
}

func (d dirBackend) get(ctx context.Context, collection, id string) ([]byte, error) {
	data, err := file.ReadFile(ctx, d.path(collection, id))
	if err != nil {
		if isNotExist(err) {
			return nil, notFound(collection, id)
		}
		return nil, err
	}
	return data, nil
}

func (d dirBackend) put(ctx context.Context, collection, id string, data []byte) (err error) {
	out, err := file.Create(ctx, d.path(collection, id))
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	_, err = out.Writer(ctx).Write(data)
	return err
}

func (d dirBackend) delete(ctx context.Context, collection, id string) error {
	if err := file.Remove(ctx, d.path(collection, id)); err != nil {
		if isNotExist(err) {
			return notFound(collection, id)
		}
		return err
	}
	return nil
}

// isNotExist looks through grail errors for a missing file.
func isNotExist(err error) bool {
	for err != nil {
		if os.IsNotExist(err) {
			return true
		}
		e, ok := err.(*errors.Error)
		if !ok {
			return false
		}
		if e.Kind == errors.NotExist {
			return true
		}
		err = e.Err
	}
	return false
}
