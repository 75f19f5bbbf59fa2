package backends

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blueberrycongee/llmsched/pkg/backend"
)

// ErrDuplicateBackend is returned when an id is registered twice.
var ErrDuplicateBackend = errors.New("backend already registered")

// registrySnapshot is never mutated after publication.
type registrySnapshot struct {
	byID  map[string]backend.Backend
	order []string
}

// Registry is the live set of backend handles. Writers are serialized and
// publish a fresh snapshot; readers load the current snapshot without locking.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[registrySnapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&registrySnapshot{byID: map[string]backend.Backend{}})
	return r
}

// Register adds b under b.ID().
func (r *Registry) Register(b backend.Backend) error {
	if b == nil {
		return errors.New("backend is nil")
	}
	id := b.ID()
	if id == "" {
		return errors.New("backend id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.byID[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, id)
	}

	next := &registrySnapshot{
		byID:  make(map[string]backend.Backend, len(cur.byID)+1),
		order: append(append(make([]string, 0, len(cur.order)+1), cur.order...), id),
	}
	for k, v := range cur.byID {
		next.byID[k] = v
	}
	next.byID[id] = b
	r.snap.Store(next)
	return nil
}

// Unregister removes id and returns the removed handle.
func (r *Registry) Unregister(id string) (backend.Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	b, ok := cur.byID[id]
	if !ok {
		return nil, false
	}

	next := &registrySnapshot{
		byID:  make(map[string]backend.Backend, len(cur.byID)-1),
		order: make([]string, 0, len(cur.order)-1),
	}
	for _, k := range cur.order {
		if k == id {
			continue
		}
		next.order = append(next.order, k)
		next.byID[k] = cur.byID[k]
	}
	r.snap.Store(next)
	return b, true
}

// Get returns the handle registered under id.
func (r *Registry) Get(id string) (backend.Backend, bool) {
	b, ok := r.snap.Load().byID[id]
	return b, ok
}

// All returns the descriptors of every backend in registration order.
func (r *Registry) All() []backend.Descriptor {
	s := r.snap.Load()
	out := make([]backend.Descriptor, 0, len(s.order))
	for _, id := range s.order {
		d := s.byID[id].Descriptor()
		d.ID = id
		out = append(out, d)
	}
	return out
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.snap.Load().order...)
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}
