// Package registry is the single table of deployment records. Snapshots
// leave the registry as deep copies; mutation happens only through Update.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"deployd/internal/domain"
)

const persistTimeout = 5 * time.Second

// Registry holds every deployment record and the names claimed by live ones.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*domain.Record
	names   map[string]string // name -> deployment id

	store Store
	log   zerolog.Logger

	pmu     sync.Mutex
	pending map[string]*domain.Record // nil value is a delete
	order   []string
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	closed  bool
}

// New returns a Registry persisting through store. A nil store keeps records
// in memory only.
func New(store Store, log zerolog.Logger) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		records: make(map[string]*domain.Record),
		names:   make(map[string]string),
		store:   store,
		log:     log,
		pending: make(map[string]*domain.Record),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.persister()
	return r
}

// Load reads persisted records into the table and returns them. Names of
// non-terminal records are claimed again.
func (r *Registry) Load(ctx context.Context) ([]domain.Record, error) {
	recs, err := r.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Record, 0, len(recs))
	for _, rec := range recs {
		rec := rec.Clone()
		r.records[rec.ID] = &rec
		if !rec.State.Terminal() && rec.Request.Name != "" {
			r.names[rec.Request.Name] = rec.ID
		}
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

// Create inserts a new record.
func (r *Registry) Create(rec domain.Record) error { return r.Insert(rec, nil) }

// Insert inserts a new record and, when fn is non-nil, calls it with the
// stored snapshot before the write lock is released.
func (r *Registry) Insert(rec domain.Record, fn func(domain.Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return existsError{id: rec.ID}
	}
	cp := rec.Clone()
	r.records[rec.ID] = &cp
	r.enqueue(rec.ID, &cp)
	if fn != nil {
		fn(cp.Clone())
	}
	return nil
}

// ClaimName reserves name for id. It fails when another live deployment holds
// it, or when id is unknown or already terminal: a terminal record never gets
// the name back, so it could never release it either.
func (r *Registry) ClaimName(name, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; !ok || rec.State.Terminal() {
		return false
	}
	if owner, ok := r.names[name]; ok && owner != id {
		return false
	}
	r.names[name] = id
	return true
}

// NameOwner returns the deployment id holding name.
func (r *Registry) NameOwner(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	return id, ok
}

// Get returns a snapshot of the record.
func (r *Registry) Get(id string) (domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.Record{}, notFoundError{id: id}
	}
	return rec.Clone(), nil
}

// List returns snapshots ordered by creation time.
func (r *Registry) List() []domain.Record {
	r.mu.RLock()
	out := make([]domain.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// Active returns snapshots of non-terminal records.
func (r *Registry) Active() []domain.Record {
	r.mu.RLock()
	var out []domain.Record
	for _, rec := range r.records {
		if !rec.State.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// Update applies fn to a copy of the record under the write lock and stores
// the result when fn succeeds. fn must not call back into the Registry.
func (r *Registry) Update(id string, fn func(*domain.Record) error) (domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[id]
	if !ok {
		return domain.Record{}, notFoundError{id: id}
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	r.records[id] = &next
	if next.State.Terminal() && r.names[next.Request.Name] == id {
		delete(r.names, next.Request.Name)
	}
	r.enqueue(id, &next)
	return next.Clone(), nil
}

// View calls fn with the record while holding the read lock, so no Update
// can interleave with it.
func (r *Registry) View(id string, fn func(domain.Record)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return notFoundError{id: id}
	}
	fn(rec.Clone())
	return nil
}

// Remove deletes the record and releases its name.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return notFoundError{id: id}
	}
	delete(r.records, id)
	if r.names[rec.Request.Name] == id {
		delete(r.names, rec.Request.Name)
	}
	r.enqueue(id, nil)
	return nil
}

// Close flushes pending writes and closes the store.
func (r *Registry) Close() error {
	r.pmu.Lock()
	if r.closed {
		r.pmu.Unlock()
		return nil
	}
	r.closed = true
	r.pmu.Unlock()
	close(r.quit)
	<-r.done
	return r.store.Close()
}

func sortRecords(recs []domain.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
