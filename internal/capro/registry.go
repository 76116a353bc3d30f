package capro

import "sync"

type registryEntry struct {
	desc     Descriptor
	refcount int
}

// Registry is the ServiceRegistry: a multi-index over (service, instance,
// event) triples with a reference count per entry, so N publishers
// offering the same descriptor over time don't cause premature removal
// when one of them stops. A monotonically increasing epoch lets client
// processes detect that the registry changed without re-scanning it.
type Registry struct {
	mu         sync.RWMutex
	entries    map[Descriptor]*registryEntry
	byService  map[string]map[Descriptor]struct{}
	byInstance map[string]map[Descriptor]struct{}
	epoch      uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries:    make(map[Descriptor]*registryEntry),
		byService:  make(map[string]map[Descriptor]struct{}),
		byInstance: make(map[string]map[Descriptor]struct{}),
	}
}

// Epoch returns the current epoch. It advances by at least one for every
// Add/Remove that actually changes the registry's entry set (a refcount
// increment/decrement on an already-present/still-referenced entry does
// not create or delete a set member, but still advances the epoch since
// it is itself a state transition clients may care about).
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Add registers one reference to desc (e.g. on OFFER), creating the entry
// on first reference.
func (r *Registry) Add(desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[desc]
	if !ok {
		e = &registryEntry{desc: desc}
		r.entries[desc] = e
		r.index(desc)
	}
	e.refcount++
	r.epoch++
}

// Remove releases one reference to desc (e.g. on STOP_OFFER), deleting
// the entry once its refcount reaches zero. Removing an unknown
// descriptor is a no-op.
func (r *Registry) Remove(desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[desc]
	if !ok {
		return
	}
	e.refcount--
	r.epoch++
	if e.refcount <= 0 {
		delete(r.entries, desc)
		r.unindex(desc)
	}
}

func (r *Registry) index(desc Descriptor) {
	if _, ok := r.byService[desc.Service]; !ok {
		r.byService[desc.Service] = make(map[Descriptor]struct{})
	}
	r.byService[desc.Service][desc] = struct{}{}

	if _, ok := r.byInstance[desc.Instance]; !ok {
		r.byInstance[desc.Instance] = make(map[Descriptor]struct{})
	}
	r.byInstance[desc.Instance][desc] = struct{}{}
}

func (r *Registry) unindex(desc Descriptor) {
	delete(r.byService[desc.Service], desc)
	if len(r.byService[desc.Service]) == 0 {
		delete(r.byService, desc.Service)
	}
	delete(r.byInstance[desc.Instance], desc)
	if len(r.byInstance[desc.Instance]) == 0 {
		delete(r.byInstance, desc.Instance)
	}
}

// Find returns every registered descriptor matching service and
// instance, each of which may be Wildcard ("*"). service=instance="*"
// returns the full registered set.
func (r *Registry) Find(service, instance string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case service == Wildcard && instance == Wildcard:
		out := make([]Descriptor, 0, len(r.entries))
		for d := range r.entries {
			out = append(out, d)
		}
		return out

	case service == Wildcard:
		set := r.byInstance[instance]
		out := make([]Descriptor, 0, len(set))
		for d := range set {
			out = append(out, d)
		}
		return out

	case instance == Wildcard:
		set := r.byService[service]
		out := make([]Descriptor, 0, len(set))
		for d := range set {
			out = append(out, d)
		}
		return out

	default:
		bySvc := r.byService[service]
		byInst := r.byInstance[instance]
		if len(bySvc) == 0 || len(byInst) == 0 {
			return nil
		}
		small, large := bySvc, byInst
		if len(byInst) < len(bySvc) {
			small, large = byInst, bySvc
		}
		var out []Descriptor
		for d := range small {
			if _, ok := large[d]; ok {
				out = append(out, d)
			}
		}
		return out
	}
}

// Len returns the number of distinct registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
