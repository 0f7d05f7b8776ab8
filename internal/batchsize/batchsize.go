// Package batchsize implements the Batch-Size Controller: a single
// scalar shared by every supervisor, stepped only by the Tier
// Promotion Monitor on each promotion event (spec §4.2).
package batchsize

import "sync"

// Controller holds the current batch size. It is monotonically
// non-increasing until global completion (invariant I3).
type Controller struct {
	mu      sync.RWMutex
	current int
}

// New creates a Controller seeded per spec §4.2:
// max(50, totalTests / supervisorCount / 4).
func New(totalTests, supervisorCount int) *Controller {
	if supervisorCount < 1 {
		supervisorCount = 1
	}
	initial := totalTests / supervisorCount / 4
	if initial < 50 {
		initial = 50
	}
	return &Controller{current: initial}
}

// Current returns the batch size as of the last Step call. Safe to
// call concurrently with Step; supervisors only ever read it.
func (c *Controller) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Step applies the stepping rule of spec §4.2 and returns the new
// size. Only the Tier Promotion Monitor may call this.
func (c *Controller) Step() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current
	switch {
	case s > 50:
		c.current = s / 2
	case s > 10:
		c.current = 5
	case s > 1:
		next := s / 2
		if next < 1 {
			next = 1
		}
		c.current = next
	default:
		c.current = 1
	}
	return c.current
}
