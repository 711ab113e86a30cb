package modelcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/laviprog/speech-transcription/internal/engine"
	"github.com/laviprog/speech-transcription/internal/logger"
	"github.com/laviprog/speech-transcription/internal/models"
)

type fakeModel struct {
	closed atomic.Bool
}

func (m *fakeModel) Transcribe(context.Context, engine.Request) (*models.Transcript, error) {
	return &models.Transcript{}, nil
}
func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

type fakeEngine struct {
	mu      sync.Mutex
	loads   int
	failing int // fail the next N loads
	block   chan struct{}
}

func (e *fakeEngine) Name() string { return "fake" }
func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) Load(ctx context.Context, spec engine.ModelSpec) (engine.Model, error) {
	e.mu.Lock()
	e.loads++
	fail := e.failing > 0
	if fail {
		e.failing--
	}
	block := e.block
	e.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return nil, &engine.ModelLoadError{ModelID: spec.ModelID, Err: errors.New("weights corrupt")}
	}
	return &fakeModel{}, nil
}

func (e *fakeEngine) loadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

func newCache(eng engine.Engine, capacity int) *Cache {
	return New(eng, capacity, "models", 4, 10, logger.New("error"))
}

var testKey = Key{ModelID: "small", Device: "cpu", Precision: "float32"}

// TestResolveDedupesConcurrentLoads verifies N concurrent resolvers share
// one engine load and all get the same handle.
func TestResolveDedupesConcurrentLoads(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{})}
	c := newCache(eng, 4)

	const n = 8
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Resolve(context.Background(), testKey)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}

	close(eng.block)
	wg.Wait()

	if got := eng.loadCount(); got != 1 {
		t.Fatalf("loads = %d, want 1", got)
	}
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatal("resolvers got different handles")
		}
	}
	if got := c.Refs(testKey); got != n {
		t.Fatalf("refs = %d, want %d", got, n)
	}

	for _, h := range handles {
		if err := c.Release(h); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if got := c.Refs(testKey); got != 0 {
		t.Fatalf("refs after release = %d, want 0", got)
	}
}

// TestSharedLoadFailure checks all waiters of a failed load see the error
// and the next resolve retries from scratch.
func TestSharedLoadFailure(t *testing.T) {
	eng := &fakeEngine{failing: 1, block: make(chan struct{})}
	c := newCache(eng, 4)

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Resolve(context.Background(), testKey)
		}(i)
	}

	close(eng.block)
	wg.Wait()

	var load *engine.ModelLoadError
	for i, err := range errs {
		if !errors.As(err, &load) {
			t.Fatalf("resolver %d error = %v, want ModelLoadError", i, err)
		}
	}
	if c.Len() != 0 {
		t.Fatalf("failed entry was retained, len = %d", c.Len())
	}

	// Next resolve retries and succeeds.
	eng.mu.Lock()
	eng.block = nil
	eng.mu.Unlock()
	h, err := c.Resolve(context.Background(), testKey)
	if err != nil {
		t.Fatalf("retry resolve: %v", err)
	}
	if err := c.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}
}

// TestDoubleReleaseRejected verifies refcount errors instead of going
// negative.
func TestDoubleReleaseRejected(t *testing.T) {
	c := newCache(&fakeEngine{}, 4)

	h, err := c.Resolve(context.Background(), testKey)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := c.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.Release(h); err == nil {
		t.Fatal("double release should error")
	}
}

// TestEvictionOnPressureOnly checks idle handles survive until capacity
// forces the least-recently-released one out.
func TestEvictionOnPressureOnly(t *testing.T) {
	eng := &fakeEngine{}
	c := newCache(eng, 2)

	k1 := Key{ModelID: "tiny", Device: "cpu", Precision: "float32"}
	k2 := Key{ModelID: "base", Device: "cpu", Precision: "float32"}
	k3 := Key{ModelID: "small", Device: "cpu", Precision: "float32"}

	h1, _ := c.Resolve(context.Background(), k1)
	_ = c.Release(h1)
	h2, _ := c.Resolve(context.Background(), k2)
	_ = c.Release(h2)

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2 idle handles retained", c.Len())
	}

	// Third model exceeds capacity: k1 (released first) is evicted.
	h3, err := c.Resolve(context.Background(), k3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer c.Release(h3)

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if h1.Model().(*fakeModel).closed.Load() != true {
		t.Fatal("evicted model was not closed")
	}
	if h2.Model().(*fakeModel).closed.Load() {
		t.Fatal("more recently released model was evicted")
	}

	// A warm hit on k2 must not trigger a reload.
	before := eng.loadCount()
	h2b, err := c.Resolve(context.Background(), k2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer c.Release(h2b)
	if eng.loadCount() != before {
		t.Fatal("warm hit caused a reload")
	}
}

// TestInUseNeverEvicted verifies capacity pressure skips referenced handles
// even if the cache must exceed capacity.
func TestInUseNeverEvicted(t *testing.T) {
	c := newCache(&fakeEngine{}, 1)

	k1 := Key{ModelID: "tiny", Device: "cpu", Precision: "float32"}
	k2 := Key{ModelID: "base", Device: "cpu", Precision: "float32"}

	h1, err := c.Resolve(context.Background(), k1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	h2, err := c.Resolve(context.Background(), k2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if h1.Model().(*fakeModel).closed.Load() {
		t.Fatal("in-use handle was evicted")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want temporary overflow to 2", c.Len())
	}

	_ = c.Release(h1)
	_ = c.Release(h2)
}
