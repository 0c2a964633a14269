package schema

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	err  error
	snap Snapshot
}

func (f *fakeSource) FetchSchema(ctx context.Context, tenantID string) (Snapshot, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Snapshot{}, f.err
	}
	return f.snap, nil
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func customersSnapshot() Snapshot {
	return Snapshot{Tables: map[string]Table{
		"customers": {
			Name:         "customers",
			Columns:      []Column{{Name: "customer_id", Type: "uuid"}, {Name: "company_id", Type: "uuid"}, {Name: "name", Type: "text"}},
			TenantScoped: true,
		},
	}}
}

func newTestCache(t *testing.T, source Source, clock *fakeClock) *Cache {
	t.Helper()
	cache, err := NewCache(source, CacheConfig{
		TTL:    time.Minute,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return cache
}

func TestGetConcurrentMissesShareOneRefresh(t *testing.T) {
	source := &fakeSource{
		snap:    customersSnapshot(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	cache := newTestCache(t, source, &fakeClock{now: time.Unix(1000, 0)})

	const callers = 16
	var wg sync.WaitGroup
	versions := make([]int64, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := cache.Get(context.Background(), "tenant-a")
			versions[i] = snap.Version
			errs[i] = err
		}(i)
	}

	<-source.started
	time.Sleep(20 * time.Millisecond)
	close(source.release)
	wg.Wait()

	if got := source.calls.Load(); got != 1 {
		t.Fatalf("source calls = %d, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if versions[i] != 1 {
			t.Fatalf("caller %d version = %d", i, versions[i])
		}
	}
}

func TestGetIsIdempotentWithinTTL(t *testing.T) {
	source := &fakeSource{snap: customersSnapshot()}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := newTestCache(t, source, clock)

	first, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	clock.Advance(30 * time.Second)
	second, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ:\n%+v\n%+v", first, second)
	}
	if source.calls.Load() != 1 {
		t.Fatalf("source calls = %d", source.calls.Load())
	}
	if first.TenantID != "tenant-a" || first.CapturedAt != time.Unix(1000, 0) {
		t.Fatalf("unexpected snapshot metadata: %+v", first)
	}
}

func TestGetRefreshesAfterTTLWithNewVersion(t *testing.T) {
	source := &fakeSource{snap: customersSnapshot()}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := newTestCache(t, source, clock)

	first, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	clock.Advance(2 * time.Minute)
	second, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if second.Version != first.Version+1 {
		t.Fatalf("version = %d, want %d", second.Version, first.Version+1)
	}
	if source.calls.Load() != 2 {
		t.Fatalf("source calls = %d", source.calls.Load())
	}
}

func TestGetServesStaleSnapshotWhenRefreshFails(t *testing.T) {
	source := &fakeSource{snap: customersSnapshot()}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := newTestCache(t, source, clock)

	first, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	source.setErr(errors.New("connection refused"))
	clock.Advance(2 * time.Minute)

	second, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("expected the stale snapshot to be served unchanged")
	}
}

func TestGetWithoutSnapshotReportsCacheUnavailable(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	cache := newTestCache(t, source, &fakeClock{now: time.Unix(1000, 0)})

	_, err := cache.Get(context.Background(), "tenant-a")
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("Get() error = %v, want ErrCacheUnavailable", err)
	}
	if _, ok := cache.Peek("tenant-a"); ok {
		t.Fatal("failed refresh must not populate the cache")
	}
}

func TestInvalidateForcesRefreshAndKeepsFallback(t *testing.T) {
	source := &fakeSource{snap: customersSnapshot()}
	cache := newTestCache(t, source, &fakeClock{now: time.Unix(1000, 0)})

	if _, err := cache.Get(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	cache.Invalidate("tenant-a")
	if _, ok := cache.Peek("tenant-a"); !ok {
		t.Fatal("Invalidate should keep the stale snapshot")
	}

	refreshed, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if refreshed.Version != 2 {
		t.Fatalf("version = %d, want 2", refreshed.Version)
	}
	if source.calls.Load() != 2 {
		t.Fatalf("source calls = %d", source.calls.Load())
	}
}

func TestInvalidateDuringRefreshForcesAnotherRefresh(t *testing.T) {
	source := &fakeSource{
		snap:    customersSnapshot(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	cache := newTestCache(t, source, &fakeClock{now: time.Unix(1000, 0)})

	done := make(chan Snapshot, 1)
	go func() {
		snap, err := cache.Get(context.Background(), "tenant-a")
		if err != nil {
			t.Errorf("Get() error = %v", err)
		}
		done <- snap
	}()
	<-source.started
	cache.Invalidate("tenant-a")
	close(source.release)
	if snap := <-done; snap.Version != 1 {
		t.Fatalf("in-flight version = %d, want 1", snap.Version)
	}

	snap, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := source.calls.Load(); got != 2 {
		t.Fatalf("source calls = %d, want 2", got)
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}
}

// gatedSource blocks each fetch on its own gate and stamps the snapshot with
// the fetch's sequence number.
type gatedSource struct {
	calls   atomic.Int32
	started chan int
	gates   []chan struct{}
}

func (g *gatedSource) FetchSchema(ctx context.Context, tenantID string) (Snapshot, error) {
	call := int(g.calls.Add(1)) - 1
	g.started <- call
	select {
	case <-g.gates[call]:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	snap := customersSnapshot()
	snap.CapturedAt = time.Unix(int64(call+1), 0)
	return snap, nil
}

func TestRefreshStartedBeforeInvalidateDoesNotOverwriteNewerSnapshot(t *testing.T) {
	source := &gatedSource{
		started: make(chan int, 2),
		gates:   []chan struct{}{make(chan struct{}), make(chan struct{})},
	}
	cache := newTestCache(t, source, &fakeClock{now: time.Unix(1000, 0)})

	results := make(chan Snapshot, 2)
	get := func() {
		snap, err := cache.Get(context.Background(), "tenant-a")
		if err != nil {
			t.Errorf("Get() error = %v", err)
		}
		results <- snap
	}

	go get()
	<-source.started
	cache.Invalidate("tenant-a")
	go get()
	<-source.started

	close(source.gates[1])
	newer := <-results
	close(source.gates[0])
	older := <-results

	if !newer.CapturedAt.Equal(time.Unix(2, 0)) || !older.CapturedAt.Equal(time.Unix(2, 0)) {
		t.Fatalf("captured at = %v and %v, want both from the second fetch", newer.CapturedAt, older.CapturedAt)
	}
	cached, ok := cache.Peek("tenant-a")
	if !ok || !cached.CapturedAt.Equal(time.Unix(2, 0)) {
		t.Fatalf("Peek() = %+v, %v", cached, ok)
	}
	if _, err := cache.Get(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := source.calls.Load(); got != 2 {
		t.Fatalf("source calls = %d, want 2", got)
	}
}

func TestTenantsAreCachedIndependently(t *testing.T) {
	source := &fakeSource{snap: customersSnapshot()}
	cache := newTestCache(t, source, &fakeClock{now: time.Unix(1000, 0)})

	a, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get(a) error = %v", err)
	}
	b, err := cache.Get(context.Background(), "tenant-b")
	if err != nil {
		t.Fatalf("Get(b) error = %v", err)
	}
	if a.TenantID != "tenant-a" || b.TenantID != "tenant-b" {
		t.Fatalf("tenant ids = %q, %q", a.TenantID, b.TenantID)
	}
	if source.calls.Load() != 2 {
		t.Fatalf("source calls = %d", source.calls.Load())
	}
}

func TestGetWaiterCancellationDoesNotAbortSharedRefresh(t *testing.T) {
	source := &fakeSource{
		snap:    customersSnapshot(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	cache := newTestCache(t, source, &fakeClock{now: time.Unix(1000, 0)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "tenant-a")
		done <- err
	}()
	<-source.started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}

	close(source.release)
	snap, err := cache.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("version = %d", snap.Version)
	}
	if got := source.calls.Load(); got != 1 {
		t.Fatalf("source calls = %d, want 1", got)
	}
}

func TestGetRequiresTenant(t *testing.T) {
	cache := newTestCache(t, &fakeSource{}, &fakeClock{})
	if _, err := cache.Get(context.Background(), " "); err == nil {
		t.Fatal("expected tenant id error")
	}
}
