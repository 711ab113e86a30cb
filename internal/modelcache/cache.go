package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/laviprog/speech-transcription/internal/engine"
)

// Key identifies at most one loaded model instance.
type Key struct {
	ModelID   string
	Device    string
	Precision string
}

func (k Key) String() string {
	return k.ModelID + "@" + k.Device + "/" + k.Precision
}

// ModelTag is the device-independent part of the key, used by the device
// pool for warm-slot placement.
func (k Key) ModelTag() string { return k.ModelID + "/" + k.Precision }

// Handle is a counted reference to a loaded model. Obtained from Resolve,
// returned with Release exactly once per Resolve.
type Handle struct {
	key   Key
	model engine.Model

	// Guarded by the cache mutex.
	refs        int
	lastRelease time.Time
}

func (h *Handle) Key() Key            { return h.key }
func (h *Handle) Model() engine.Model { return h.model }

type entry struct {
	handle *Handle
	done   chan struct{} // closed when the load finishes
	err    error
}

// Cache holds at most one loaded model per key, deduplicates concurrent
// first loads, and evicts the least-recently-released idle handle when a new
// load would exceed capacity. Failed loads are forgotten so the next
// Resolve retries.
type Cache struct {
	mu      sync.Mutex
	eng     engine.Engine
	entries map[Key]*entry

	capacity     int
	downloadRoot string
	batchSize    int
	chunkSize    int
	log          *logrus.Logger
}

func New(eng engine.Engine, capacity int, downloadRoot string, batchSize, chunkSize int, log *logrus.Logger) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		eng:          eng,
		entries:      map[Key]*entry{},
		capacity:     capacity,
		downloadRoot: downloadRoot,
		batchSize:    batchSize,
		chunkSize:    chunkSize,
		log:          log,
	}
}

// Resolve returns a ready handle for the key, loading the model on first
// use. Concurrent callers for the same key share one in-flight load and,
// on failure, receive the same error.
func (c *Cache) Resolve(ctx context.Context, key Key) (*Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		select {
		case <-e.done:
			// Ready: a failed entry would have been removed by its loader.
			e.handle.refs++
			c.mu.Unlock()
			return e.handle, nil
		default:
		}
		c.mu.Unlock()

		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		c.mu.Lock()
		if cur, ok := c.entries[key]; !ok || cur != e {
			// Evicted between load completion and this join; start over.
			c.mu.Unlock()
			return c.Resolve(ctx, key)
		}
		e.handle.refs++
		c.mu.Unlock()
		return e.handle, nil
	}

	// Become the loader for this key.
	e := &entry{done: make(chan struct{})}
	c.evictLocked()
	c.entries[key] = e
	c.mu.Unlock()

	c.log.WithField("model", key.String()).Debug("loading model")
	model, err := c.eng.Load(ctx, engine.ModelSpec{
		ModelID:      key.ModelID,
		Device:       key.Device,
		Precision:    key.Precision,
		DownloadRoot: c.downloadRoot,
		BatchSize:    c.batchSize,
		ChunkSize:    c.chunkSize,
	})

	c.mu.Lock()
	if err != nil {
		delete(c.entries, key)
		e.err = err
		close(e.done)
		c.mu.Unlock()
		c.log.WithField("model", key.String()).WithError(err).Error("model load failed")
		return nil, err
	}
	e.handle = &Handle{key: key, model: model, refs: 1}
	close(e.done)
	c.mu.Unlock()

	c.log.WithField("model", key.String()).Info("model loaded")
	return e.handle, nil
}

// Release returns one reference. At zero references the handle stays warm
// until capacity pressure evicts it.
func (c *Cache) Release(h *Handle) error {
	if h == nil {
		return errors.New("nil handle")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[h.key]
	if !ok || e.handle != h {
		return fmt.Errorf("release of unknown handle %s", h.key)
	}
	if h.refs <= 0 {
		return fmt.Errorf("double release of handle %s", h.key)
	}
	h.refs--
	if h.refs == 0 {
		h.lastRelease = time.Now()
	}
	return nil
}

// Refs reports the reference count for a key; zero when absent.
func (c *Cache) Refs(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.handle != nil {
		return e.handle.refs
	}
	return 0
}

// Len reports the number of cached entries, loading included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close evicts every idle handle. Handles still referenced are left to
// their jobs.
func (c *Cache) Close() {
	c.mu.Lock()
	var victims []engine.Model
	for key, e := range c.entries {
		if e.handle != nil && e.handle.refs == 0 {
			victims = append(victims, e.handle.model)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, m := range victims {
		_ = m.Close()
	}
}

// evictLocked makes room for one more entry by dropping the
// least-recently-released idle handle. In-use and in-flight entries are
// never evicted; if nothing is idle the cache temporarily exceeds capacity.
func (c *Cache) evictLocked() {
	for len(c.entries) >= c.capacity {
		var victimKey Key
		var victim *entry
		for key, e := range c.entries {
			if e.handle == nil || e.handle.refs != 0 {
				continue
			}
			if victim == nil || e.handle.lastRelease.Before(victim.handle.lastRelease) {
				victimKey = key
				victim = e
			}
		}
		if victim == nil {
			return
		}
		delete(c.entries, victimKey)
		_ = victim.handle.model.Close()
		c.log.WithField("model", victimKey.String()).Debug("evicted idle model")
	}
}
