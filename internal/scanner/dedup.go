package scanner

// Dedup is a bounded window of already-processed message ids. The same
// underlying message can be observed on more than one event channel, so
// the pipeline must treat a repeated id as a no-op. Eviction is
// oldest-first once the window is full.
type Dedup struct {
	capacity int
	seen     map[string]struct{}
	order    []string
	head     int
}

// NewDedup creates a window holding up to capacity ids.
func NewDedup(capacity int) *Dedup {
	if capacity < 1 {
		capacity = 1
	}
	return &Dedup{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Seen records id and reports whether it was already in the window.
// Empty ids are never deduplicated: without a stable identifier the
// pipeline has nothing to key on.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := d.seen[id]; ok {
		return true
	}

	if len(d.order) < d.capacity {
		d.order = append(d.order, id)
	} else {
		oldest := d.order[d.head]
		delete(d.seen, oldest)
		d.order[d.head] = id
		d.head = (d.head + 1) % d.capacity
	}
	d.seen[id] = struct{}{}
	return false
}

// Len returns the number of ids currently tracked.
func (d *Dedup) Len() int {
	return len(d.seen)
}
