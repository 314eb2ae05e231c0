package decode

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/volcast/internal/perf"
	"github.com/zsiec/volcast/internal/wire"
)

// Factory creates a codec for one stream.
type Factory func() (Codec, error)

// Registry maps stream type tags to codec factories. It is populated
// before any receive loop starts and only read afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[wire.StreamType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[wire.StreamType]Factory)}
}

// DefaultRegistry returns a registry holding the mesh and voxel codecs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(wire.StreamTypeMesh, func() (Codec, error) { return NewMeshCodec(), nil })
	r.Register(wire.StreamTypeVoxel, func() (Codec, error) { return NewVoxelCodec() })
	return r
}

// Register adds or replaces the factory for tag.
func (r *Registry) Register(tag wire.StreamType, f Factory) {
	r.mu.Lock()
	r.factories[tag] = f
	r.mu.Unlock()
}

// Has reports whether tag has a factory.
func (r *Registry) Has(tag wire.StreamType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// Resolve creates and starts a worker for tag. It returns an error when
// tag is unknown or the factory fails.
func (r *Registry) Resolve(tag wire.StreamType, decoded *perf.Counter, log *slog.Logger) (*Worker, error) {
	r.mu.RLock()
	f, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stream type %v: %w", tag, ErrUnknownStream)
	}
	codec, err := f()
	if err != nil {
		return nil, fmt.Errorf("create %v codec: %w", tag, err)
	}
	w := NewWorker(codec, decoded, log)
	w.Start()
	return w, nil
}
