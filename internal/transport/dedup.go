package transport

import "sync"

// defaultDedupCapacity bounds the retained-id set. A 512-entry window is
// far wider than the realistic duplicate window (the racing transports
// deliver within tens of milliseconds of each other) while keeping memory
// flat over an arbitrarily long performance.
const defaultDedupCapacity = 512

// dedupSet is a bounded set of recently seen message ids with FIFO
// eviction. Older ids than the window can in principle be re-delivered;
// that lossiness-under-pressure is the documented trade for bounded growth.
type dedupSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &dedupSet{
		seen: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// observe records the id and reports whether this is its first sighting.
func (d *dedupSet) observe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[id]; dup {
		return false
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return true
}

// len returns the number of retained ids.
func (d *dedupSet) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
