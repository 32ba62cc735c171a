package broadcast

import (
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Registry is the live subscription table.
//
// It is mutated only by subscribe, unsubscribe and transport close, and read
// by the router for every change event. Readers get a snapshot slice, so
// removing a subscription during fan-out is safe.
type Registry struct {
	mu           sync.RWMutex
	byID         map[string]*Subscription
	byCollection map[string]map[string]*Subscription
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:         make(map[string]*Subscription),
		byCollection: make(map[string]map[string]*Subscription),
	}
}

// NewID returns a fresh subscription id.
func NewID() string {
	return ulid.Make().String()
}

// Add registers s.
func (r *Registry) Add(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[s.ID] = s
	coll := r.byCollection[s.Collection]
	if coll == nil {
		coll = make(map[string]*Subscription)
		r.byCollection[s.Collection] = coll
	}
	coll[s.ID] = s
}

// Remove unregisters the subscription with id and returns it, or nil when
// it is not registered.
func (r *Registry) Remove(id string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	if coll := r.byCollection[s.Collection]; coll != nil {
		delete(coll, id)
		if len(coll) == 0 {
			delete(r.byCollection, s.Collection)
		}
	}
	return s
}

// Get returns the subscription with id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ForCollection returns the subscriptions on collection, ordered by id.
func (r *Registry) ForCollection(collection string) []*Subscription {
	r.mu.RLock()
	coll := r.byCollection[collection]
	out := make([]*Subscription, 0, len(coll))
	for _, s := range coll {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sortByID(out)
	return out
}

// ByTransport returns the subscriptions delivering to transportID.
func (r *Registry) ByTransport(transportID string) []*Subscription {
	r.mu.RLock()
	var out []*Subscription
	for _, s := range r.byID {
		if s.TransportID() == transportID {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sortByID(out)
	return out
}

// All returns every registered subscription, ordered by id.
func (r *Registry) All() []*Subscription {
	r.mu.RLock()
	out := make([]*Subscription, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sortByID(out)
	return out
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func sortByID(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
}
