// Package registry holds the exporter's in-memory metric state.
//
// A single Registry is shared by reference between the ingestion loop, which
// writes to it, and the scrape server, which reads it. Critical sections are
// bounded to installing one sample or copying the sample index.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by Snapshot after Close.
var ErrClosed = errors.New("registry: closed")

// Registry maps metric identities to their current sample.
type Registry struct {
	mu      sync.RWMutex
	samples map[string]*Sample
	closed  bool
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		samples: make(map[string]*Sample),
		now:     time.Now,
	}
}

// Update inserts or replaces the sample for id. Counter values add to the
// previous value unless v.Set is true. Updates after Close are discarded.
func (r *Registry) Update(id Identity, v Value) {
	key := id.String()
	s := &Sample{
		Identity: id,
		Kind:     v.Kind,
		Value:    v.Number,
		Info:     v.Info,
		Help:     v.Help,
		Updated:  r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if prev, ok := r.samples[key]; ok {
		if v.Kind == KindCounter && !v.Set && prev.Kind == KindCounter {
			s.Value += prev.Value
		}
		if s.Help == "" {
			s.Help = prev.Help
		}
	}
	r.samples[key] = s
}

// Get returns the current sample of id.
func (r *Registry) Get(id Identity) (Sample, bool) {
	r.mu.RLock()
	s, ok := r.samples[id.String()]
	r.mu.RUnlock()
	if !ok {
		return Sample{}, false
	}
	return *s, true
}

// Snapshot is an immutable, sorted view of the registry.
type Snapshot struct {
	Taken   time.Time
	Samples []Sample
}

// Snapshot copies the current samples. The lock is held only while the
// sample pointers are collected; samples are immutable so dereferencing
// them afterwards is safe.
func (r *Registry) Snapshot() (Snapshot, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return Snapshot{}, ErrClosed
	}
	ptrs := make([]*Sample, 0, len(r.samples))
	for _, s := range r.samples {
		ptrs = append(ptrs, s)
	}
	r.mu.RUnlock()

	snap := Snapshot{Taken: r.now(), Samples: make([]Sample, len(ptrs))}
	for i, s := range ptrs {
		snap.Samples[i] = *s
	}
	sort.Slice(snap.Samples, func(i, j int) bool {
		a, b := snap.Samples[i].Identity, snap.Samples[j].Identity
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.String() < b.String()
	})
	return snap, nil
}

// Remove deletes every identity whose metric name starts with prefix and
// returns how many were removed.
func (r *Registry) Remove(prefix string) int {
	return r.removeWhere(func(s *Sample) bool {
		return strings.HasPrefix(s.Identity.Name, prefix)
	})
}

// RemoveMatching deletes every identity carrying the label key=value.
func (r *Registry) RemoveMatching(key, value string) int {
	return r.removeWhere(func(s *Sample) bool {
		v, ok := s.Identity.Get(key)
		return ok && v == value
	})
}

func (r *Registry) removeWhere(match func(*Sample) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, s := range r.samples {
		if match(s) {
			delete(r.samples, k)
			n++
		}
	}
	return n
}

// Len returns the number of samples.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}

// Close drops all samples and makes later snapshots fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.samples = make(map[string]*Sample)
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
