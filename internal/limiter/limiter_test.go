package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/authguard/internal/apperr"
	"github.com/developingchet/authguard/internal/storage"
	"github.com/developingchet/authguard/internal/testutil"
	"github.com/rs/zerolog"
)

const typeC CounterType = "c"

// fakeClock is a settable clock for window arithmetic.
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

func newTestEngine(t *testing.T, store storage.CounterStore) (*Engine, *fakeClock) {
	t.Helper()
	// Aligned to a minute boundary so window math is predictable.
	clock := &fakeClock{now: time.UnixMilli(1_700_000_040_000)}
	e, err := New(store, Config{
		Expiry:       2 * time.Hour,
		CounterTypes: []CounterType{typeC, "example"},
		Now:          clock.Now,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, clock
}

func expect(t *testing.T, got Result, err error, allowed bool, count int64) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allowed != allowed || got.Count != count {
		want := Result{Allowed: allowed, Count: count}
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestCheckRate_AllowsUpToLimitThenDenies(t *testing.T) {
	e, _ := newTestEngine(t, storage.NewMemoryStore())
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		res, err := e.CheckRate(ctx, typeC, "id1", 60000, 3)
		expect(t, res, err, true, i)
	}
	for i := 0; i < 3; i++ {
		res, err := e.CheckRate(ctx, typeC, "id1", 60000, 3)
		expect(t, res, err, false, 3)
	}
}

func TestCheckRateWithIncrement(t *testing.T) {
	e, _ := newTestEngine(t, storage.NewMemoryStore())
	ctx := context.Background()

	res, err := e.CheckRateWithIncrement(ctx, typeC, "id1", 60000, 10, 7)
	expect(t, res, err, true, 7)
	res, err = e.CheckRateWithIncrement(ctx, typeC, "id1", 60000, 10, 2)
	expect(t, res, err, true, 9)
	res, err = e.CheckRate(ctx, typeC, "id1", 60000, 10)
	expect(t, res, err, true, 10)
	res, err = e.CheckRate(ctx, typeC, "id1", 60000, 10)
	expect(t, res, err, false, 10)
}

func TestCheckRate_OversizedIncrementLeavesCountUnchanged(t *testing.T) {
	e, _ := newTestEngine(t, storage.NewMemoryStore())
	ctx := context.Background()

	res, err := e.CheckRateWithIncrement(ctx, typeC, "id1", 60000, 10, 8)
	expect(t, res, err, true, 8)
	res, err = e.CheckRateWithIncrement(ctx, typeC, "id1", 60000, 10, 5)
	expect(t, res, err, false, 8)
	res, err = e.CheckRateWithIncrement(ctx, typeC, "id1", 60000, 10, 2)
	expect(t, res, err, true, 10)
}

func TestCheckRate_WindowRollover(t *testing.T) {
	e, clock := newTestEngine(t, storage.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = e.CheckRate(ctx, typeC, "id1", 60000, 2)
	}
	res, err := e.CheckRate(ctx, typeC, "id1", 60000, 2)
	expect(t, res, err, false, 2)
	if res.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %s, want 1m at window start", res.RetryAfter)
	}

	clock.Advance(59 * time.Second)
	res, err = e.CheckRate(ctx, typeC, "id1", 60000, 2)
	expect(t, res, err, false, 2)
	if res.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %s, want 1s", res.RetryAfter)
	}

	clock.Advance(time.Second)
	res, err = e.CheckRate(ctx, typeC, "id1", 60000, 2)
	expect(t, res, err, true, 1)
	if res.RetryAfter != 0 {
		t.Errorf("RetryAfter = %s, want 0 on allow", res.RetryAfter)
	}
}

func TestCheckRate_ScalesAreIndependent(t *testing.T) {
	e, _ := newTestEngine(t, storage.NewMemoryStore())
	ctx := context.Background()

	res, err := e.CheckRate(ctx, typeC, "id1", 60000, 1)
	expect(t, res, err, true, 1)
	res, err = e.CheckRate(ctx, typeC, "id1", 1000, 1)
	expect(t, res, err, true, 1)
	res, err = e.CheckRate(ctx, typeC, "id2", 60000, 1)
	expect(t, res, err, true, 1)
}

func TestDeleteCounters_ResetsAllWindows(t *testing.T) {
	e, _ := newTestEngine(t, storage.NewMemoryStore())
	ctx := context.Background()

	_, _ = e.CheckRate(ctx, typeC, "id1", 60000, 5)
	_, _ = e.CheckRate(ctx, typeC, "id1", 60000, 5)
	_, _ = e.CheckRate(ctx, typeC, "id1", 1000, 5)

	removed, err := e.DeleteCounters(ctx, typeC, "id1")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	res, err := e.CheckRate(ctx, typeC, "id1", 60000, 5)
	expect(t, res, err, true, 1)
}

func TestInspectCounter_IsReadOnly(t *testing.T) {
	store := testutil.NewMockStore()
	e, _ := newTestEngine(t, store)
	ctx := context.Background()

	res, err := e.InspectCounter(ctx, typeC, "id1", 60000, 3)
	expect(t, res, err, true, 0)
	if store.Calls("FetchOrCreate") != 0 || store.Calls("TryIncrement") != 0 {
		t.Fatal("InspectCounter must not create or mutate rows")
	}

	_, _ = e.CheckRate(ctx, typeC, "id1", 60000, 3)
	for i := 0; i < 3; i++ {
		res, err = e.InspectCounter(ctx, typeC, "id1", 60000, 3)
		expect(t, res, err, true, 1)
	}
	res, err = e.CheckRate(ctx, typeC, "id1", 60000, 3)
	expect(t, res, err, true, 2)
	_, _ = e.CheckRate(ctx, typeC, "id1", 60000, 3)

	res, err = e.InspectCounter(ctx, typeC, "id1", 60000, 3)
	expect(t, res, err, false, 3)
}

func TestInspectCounter_AfterSweepReadsFresh(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_040_000)}
	e, err := New(store, Config{
		Expiry:       2 * time.Minute,
		CounterTypes: []CounterType{typeC},
		Now:          clock.Now,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_, _ = e.CheckRate(ctx, typeC, "id1", 60000, 5)
	_, _ = e.CheckRate(ctx, typeC, "id1", 60000, 5)

	clock.Advance(3 * time.Minute)
	if _, err := store.SweepExpired(ctx, clock.Now()); err != nil {
		t.Fatal(err)
	}
	res, err := e.InspectCounter(ctx, typeC, "id1", 60000, 5)
	expect(t, res, err, true, 0)
}

func TestCheckRate_RetriesOnceWhenRowVanishes(t *testing.T) {
	store := testutil.NewMockStore()
	e, _ := newTestEngine(t, store)

	store.SetError("TryIncrement", storage.ErrCounterMissing)
	res, err := e.CheckRate(context.Background(), typeC, "id1", 60000, 3)
	expect(t, res, err, true, 1)
	if got := store.Calls("FetchOrCreate"); got != 2 {
		t.Errorf("FetchOrCreate calls = %d, want 2", got)
	}
}

func TestCheckRate_StoreUnavailableIsAnError(t *testing.T) {
	store := testutil.NewMockStore()
	e, _ := newTestEngine(t, store)

	store.SetError("TryIncrement", apperr.Unavailable("try increment", errors.New("connection refused")))
	_, err := e.CheckRate(context.Background(), typeC, "id1", 60000, 3)
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestValidation(t *testing.T) {
	store := testutil.NewMockStore()
	e, _ := newTestEngine(t, store)
	ctx := context.Background()

	tests := []struct {
		name      string
		ct        CounterType
		id        string
		scale     int64
		limit     int64
		increment int64
		field     string
	}{
		{"zero scale", typeC, "id", 0, 1, 1, "scale_ms"},
		{"negative scale", typeC, "id", -5, 1, 1, "scale_ms"},
		{"zero limit", typeC, "id", 1000, 0, 1, "limit"},
		{"negative increment", typeC, "id", 1000, 1, -1, "increment"},
		{"empty id", typeC, "", 1000, 1, 1, "counter_id"},
		{"nul in id", typeC, "a\x00b", 1000, 1, 1, "counter_id"},
		{"unregistered type", "other", "id", 1000, 1, 1, "counter_type"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CheckRateWithIncrement(ctx, tc.ct, tc.id, tc.scale, tc.limit, tc.increment)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("err = %v, want field %q", err, tc.field)
			}
		})
	}
	if store.Calls("FetchOrCreate") != 0 {
		t.Error("validation failures must not touch the store")
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	store := storage.NewMemoryStore()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero expiry", Config{CounterTypes: []CounterType{typeC}}},
		{"no types", Config{Expiry: time.Hour}},
		{"bad tag", Config{Expiry: time.Hour, CounterTypes: []CounterType{"Bad-Tag"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(store, tc.cfg, zerolog.Nop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCounterName(t *testing.T) {
	if got := CounterName("example", "123"); got != "example_123" {
		t.Errorf("CounterName = %q, want example_123", got)
	}
}

func TestCheckRateFunc(t *testing.T) {
	e, _ := newTestEngine(t, storage.NewMemoryStore())
	check := e.CheckRateFunc(typeC, 60000, 2)
	ctx := context.Background()

	res, err := check.Evaluate(ctx, "a")
	expect(t, res, err, true, 1)
	res, err = check.Evaluate(ctx, "a")
	expect(t, res, err, true, 2)
	res, err = check.Evaluate(ctx, "a")
	expect(t, res, err, false, 2)
	res, err = check.Evaluate(ctx, "b")
	expect(t, res, err, true, 1)
}

func TestCheckRate_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	e, _ := newTestEngine(t, storage.NewMemoryStore())
	ctx := context.Background()

	const limit = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.CheckRate(ctx, typeC, "hot", 60000, limit)
			if err != nil {
				t.Errorf("CheckRate: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != limit {
		t.Errorf("admitted %d, want %d", admitted, limit)
	}
}

func TestWindowID(t *testing.T) {
	tests := []struct {
		nowMs, scaleMs, want int64
	}{
		{0, 1000, 0},
		{999, 1000, 0},
		{1000, 1000, 1},
		{-1, 1000, -1},
		{-1000, 1000, -1},
		{-1001, 1000, -2},
	}
	for _, tc := range tests {
		if got := windowID(tc.nowMs, tc.scaleMs); got != tc.want {
			t.Errorf("windowID(%d, %d) = %d, want %d", tc.nowMs, tc.scaleMs, got, tc.want)
		}
	}
}
