package subproc

import "sync"

// channelRegistry tracks every live Channel process-wide so a top-level
// interrupt handler can sweep stragglers on shutdown (spec §4.4,
// §5 "process hygiene"). Grounded on the teacher's single-purpose,
// lock-guarded registration idiom in internal/common.DbQueue.
type channelRegistry struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

// Registry is the process-wide instance every Spawn call registers
// with.
var Registry = &channelRegistry{channels: make(map[string]*Channel)}

func (r *channelRegistry) add(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID] = c
}

func (r *channelRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
}

// KillAll terminates every currently-registered channel. Intended for
// use by a SIGINT/SIGTERM handler sweeping survivors after supervisors
// have had a chance to exit cleanly.
func (r *channelRegistry) KillAll() {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		channels = append(channels, c)
	}
	r.mu.Unlock()

	for _, c := range channels {
		c.Kill()
	}
}

// Len reports the number of currently-registered channels, for
// diagnostics and tests.
func (r *channelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
