// Package registry stores trained models: a class name to query embedding
// mapping under a UUID. Stored models are never modified.
package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	iface "OwlDetServer/interface"
	"OwlDetServer/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Model struct {
	ID        string
	Classes   map[string]iface.Embedding
	CreatedAt time.Time
}

// ClassNames returns the model's classes in lexicographic order.
func (m *Model) ClassNames() []string {
	return slices.Sorted(maps.Keys(m.Classes))
}

// Dim is the query embedding dimension.
func (m *Model) Dim() int {
	for _, e := range m.Classes {
		return len(e)
	}
	return 0
}

// Store is the persistence collaborator. Put must refuse to overwrite an
// existing id with iface.ErrModelExists; Get reports iface.ErrModelNotFound.
type Store interface {
	Put(ctx context.Context, id string, payload []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Close() error
}

type Registry struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

func New(store Store) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
		log:   logger.Named("registry"),
	}
}

// Create persists classes under id, generating a fresh UUID when id is empty.
func (r *Registry) Create(ctx context.Context, id string, classes map[string]iface.Embedding) (*Model, error) {
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: model id %q is not a UUID", iface.ErrInvalidRequest, id)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: model has no classes", iface.ErrInvalidRequest)
	}

	m := &Model{
		ID:        id,
		Classes:   make(map[string]iface.Embedding, len(classes)),
		CreatedAt: r.now().UTC(),
	}
	dim := -1
	for name, e := range classes {
		if name == "" {
			return nil, fmt.Errorf("%w: empty class name", iface.ErrInvalidRequest)
		}
		if dim >= 0 && len(e) != dim {
			return nil, fmt.Errorf("%w: class %q has %d, expected %d", iface.ErrDimensionMismatch, name, len(e), dim)
		}
		dim = len(e)
		m.Classes[name] = slices.Clone(e)
	}

	payload, err := encodeModel(m)
	if err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, id, payload); err != nil {
		return nil, fmt.Errorf("store model %s: %w", id, err)
	}
	r.log.Info("model created", zap.String("model_id", id), zap.Strings("classes", m.ClassNames()), zap.Int("dim", dim))
	return m, nil
}

func (r *Registry) Load(ctx context.Context, id string) (*Model, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", iface.ErrModelNotFound, id)
	}
	payload, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := decodeModel(payload)
	if err != nil {
		return nil, fmt.Errorf("decode model %s: %w", id, err)
	}
	if m.ID != id {
		return nil, fmt.Errorf("decode model %s: payload carries id %s", id, m.ID)
	}
	return m, nil
}

func (r *Registry) Close() error {
	return r.store.Close()
}
