package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoCapacity is returned by a non-blocking acquire when every slot
	// is occupied.
	ErrNoCapacity = errors.New("no device capacity")

	// ErrAcquireTimeout is returned when no slot freed up within the
	// configured bounded wait.
	ErrAcquireTimeout = errors.New("device acquire timeout")
)

// Slot is one unit of exclusive inference capacity bound to one execution
// device. Occupancy is single: a slot is never assigned to two jobs.
type Slot struct {
	id    string
	class string // "cpu" or "cuda"

	// Guarded by the pool mutex.
	free        bool
	occupant    string
	loadedModel string
}

func (s *Slot) ID() string    { return s.id }
func (s *Slot) Class() string { return s.class }

// Device is the cache-key device component: accelerators are addressed per
// slot, CPU slots share one model instance.
func (s *Slot) Device() string {
	if s.class == "cpu" {
		return "cpu"
	}
	return s.id
}

// Pool tracks the fixed set of inference execution units created at process
// start. Slots are never destroyed while the process runs.
type Pool struct {
	mu      sync.Mutex
	slots   []*Slot
	waiters []chan struct{}
	timeout time.Duration
}

// NewPool builds one slot per execution unit: "cuda" gets slot ids cuda:0..n-1,
// anything else a CPU pool of the given size. acquireTimeout bounds the wait
// in Acquire; zero means fail immediately with ErrNoCapacity.
func NewPool(class string, count int, acquireTimeout time.Duration) *Pool {
	if count <= 0 {
		count = 1
	}
	p := &Pool{timeout: acquireTimeout}
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("cpu-%d", i)
		if class == "cuda" {
			id = fmt.Sprintf("cuda:%d", i)
		}
		p.slots = append(p.slots, &Slot{id: id, class: classOf(id), free: true})
	}
	return p
}

func classOf(id string) string {
	if len(id) >= 4 && id[:4] == "cuda" {
		return "cuda"
	}
	return "cpu"
}

// Size returns the number of slots; the scheduler sizes its worker pool to
// match.
func (p *Pool) Size() int { return len(p.slots) }

// Supports reports whether any slot could ever satisfy the preference. A
// preference no slot matches would otherwise burn the full acquire timeout
// on every attempt. Slot ids and classes are fixed at construction, so no
// lock is taken.
func (p *Pool) Supports(preference string) bool {
	if preference == "" || preference == "auto" {
		return true
	}
	for _, s := range p.slots {
		if matches(s, preference) {
			return true
		}
	}
	return false
}

// Acquire claims a free slot matching preference ("auto", a device class,
// or an exact slot id), preferring a slot that already has modelTag loaded.
// Waits up to the pool's acquire timeout, then fails with ErrAcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, jobID, preference, modelTag string) (*Slot, error) {
	var deadline <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		p.mu.Lock()
		if s := p.pickLocked(preference, modelTag); s != nil {
			s.free = false
			s.occupant = jobID
			p.mu.Unlock()
			return s, nil
		}
		if p.timeout <= 0 {
			p.mu.Unlock()
			return nil, ErrNoCapacity
		}
		w := make(chan struct{}, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			p.dropWaiter(w)
			return nil, ctx.Err()
		case <-deadline:
			p.dropWaiter(w)
			return nil, ErrAcquireTimeout
		}
	}
}

// Release returns the slot to the free set and wakes one waiter.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	s.free = true
	s.occupant = ""
	var w chan struct{}
	if len(p.waiters) > 0 {
		w = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()

	if w != nil {
		w <- struct{}{}
	}
}

// MarkLoaded records which model a slot has resident, so later acquires can
// prefer warm slots and skip a reload.
func (p *Pool) MarkLoaded(s *Slot, modelTag string) {
	p.mu.Lock()
	s.loadedModel = modelTag
	p.mu.Unlock()
}

// Occupant reports the job currently holding the slot, empty when free.
func (p *Pool) Occupant(s *Slot) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.occupant
}

func (p *Pool) pickLocked(preference, modelTag string) *Slot {
	var fallback *Slot
	for _, s := range p.slots {
		if !s.free || !matches(s, preference) {
			continue
		}
		if modelTag != "" && s.loadedModel == modelTag {
			return s
		}
		if fallback == nil {
			fallback = s
		}
	}
	return fallback
}

func matches(s *Slot, preference string) bool {
	switch preference {
	case "", "auto":
		return true
	case "cpu", "cuda":
		return s.class == preference
	default:
		return s.id == preference
	}
}

func (p *Pool) dropWaiter(w chan struct{}) {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	// Not in the list: Release already signalled this waiter. Hand the
	// wakeup to the next one; newcomers scan free slots before waiting,
	// so with no waiters nothing is lost.
	var next chan struct{}
	if len(p.waiters) > 0 {
		next = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()

	if next != nil {
		next <- struct{}{}
	}
	select {
	case <-w:
	default:
	}
}
