package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	iface "OwlDetServer/interface"
)

// FileStore keeps one file per model under Dir.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) filename(id string) string {
	return filepath.Join(s.Dir, id+".model")
}

// Put writes to a temp file and links it into place so readers never see a partial model.
func (s *FileStore) Put(_ context.Context, id string, payload []byte) error {
	tmp, err := os.CreateTemp(s.Dir, id+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmp.Name(), s.filename(id)); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", iface.ErrModelExists, id)
		}
		return err
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) ([]byte, error) {
	b, err := os.ReadFile(s.filename(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", iface.ErrModelNotFound, id)
	}
	return b, err
}

func (s *FileStore) Close() error {
	return nil
}

// MemoryStore keeps payloads in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: map[string][]byte{}}
}

func (s *MemoryStore) Put(_ context.Context, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; ok {
		return fmt.Errorf("%w: %s", iface.ErrModelExists, id)
	}
	s.models[id] = slices.Clone(payload)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", iface.ErrModelNotFound, id)
	}
	return slices.Clone(b), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
