package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errTransient = errors.New("transient")

func nopHandler(_ context.Context, _ Job) error { return nil }

func newTestPool(t *testing.T, cfg Config, h JobHandler) *Pool {
	t.Helper()
	p, err := New(cfg, h, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPool_DrainsOnStop(t *testing.T) {
	var processed int64
	p := newTestPool(t, Config{Workers: 4, QueueDepth: 100, RetryBase: time.Millisecond},
		func(_ context.Context, _ Job) error {
			atomic.AddInt64(&processed, 1)
			return nil
		})
	p.Start(context.Background())

	for i := 0; i < 50; i++ {
		if !p.Enqueue(Job{Action: "ban", Host: "203.0.113.7"}) {
			t.Fatal("enqueue should not drop with room in the buffer")
		}
	}
	p.Stop()

	if got := atomic.LoadInt64(&processed); got != 50 {
		t.Errorf("processed = %d, want 50", got)
	}
}

func TestPool_HandlerSeesJobFields(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Job
	)
	p := newTestPool(t, Config{Workers: 1, QueueDepth: 4}, func(_ context.Context, j Job) error {
		mu.Lock()
		got = append(got, j)
		mu.Unlock()
		return nil
	})
	p.Start(context.Background())
	want := Job{Action: "delete", Host: "2001:db8::1", Origin: "CAPI", Scenario: "crowdsecurity/http-bf"}
	p.Enqueue(want)
	p.Stop()

	if len(got) != 1 || got[0] != want {
		t.Errorf("handler got %+v, want [%+v]", got, want)
	}
}

func TestPool_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := newTestPool(t, Config{Workers: 1, QueueDepth: 2}, func(_ context.Context, _ Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	p.Start(context.Background())

	p.Enqueue(Job{Action: "ban", Host: "192.0.2.1"})
	<-started // worker holds the first job
	p.Enqueue(Job{Action: "ban", Host: "192.0.2.2"})
	p.Enqueue(Job{Action: "ban", Host: "192.0.2.3"})

	if p.Depth() != 2 {
		t.Errorf("Depth() = %d, want 2", p.Depth())
	}
	if p.Enqueue(Job{Action: "ban", Host: "192.0.2.4"}) {
		t.Error("enqueue into a full buffer should report a drop")
	}
	close(release)
	p.Stop()
}

func TestPool_RetriesUntilSuccess(t *testing.T) {
	var attempts int64
	p := newTestPool(t, Config{Workers: 1, QueueDepth: 10, MaxRetries: 5, RetryBase: time.Millisecond},
		func(_ context.Context, _ Job) error {
			if atomic.AddInt64(&attempts, 1) < 3 {
				return errTransient
			}
			return nil
		})
	p.Start(context.Background())
	p.Enqueue(Job{Action: "ban", Host: "198.51.100.9"})
	p.Stop()

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPool_MaxRetries(t *testing.T) {
	tests := []struct {
		maxRetries int
		want       int64
	}{
		{0, 1},
		{2, 3},
	}
	for _, tc := range tests {
		var attempts int64
		p := newTestPool(t, Config{Workers: 1, QueueDepth: 10, MaxRetries: tc.maxRetries, RetryBase: time.Millisecond},
			func(_ context.Context, _ Job) error {
				atomic.AddInt64(&attempts, 1)
				return errTransient
			})
		p.Start(context.Background())
		p.Enqueue(Job{Action: "ban", Host: "198.51.100.9"})
		p.Stop()

		if got := atomic.LoadInt64(&attempts); got != tc.want {
			t.Errorf("MaxRetries=%d: attempts = %d, want %d", tc.maxRetries, got, tc.want)
		}
	}
}

func TestPool_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int64
	p := newTestPool(t, Config{Workers: 1, QueueDepth: 10, MaxRetries: 5, RetryBase: time.Minute},
		func(_ context.Context, _ Job) error {
			atomic.AddInt64(&calls, 1)
			cancel()
			return errTransient
		})
	p.Start(ctx)
	p.Enqueue(Job{Action: "ban", Host: "9.9.9.9"})

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestPool_InvalidConfig(t *testing.T) {
	for _, cfg := range []Config{{Workers: 0}, {Workers: 65}, {Workers: 1, MaxRetries: -1}} {
		if _, err := New(cfg, nopHandler, zerolog.Nop()); err == nil {
			t.Errorf("New(%+v) should fail", cfg)
		}
	}
}

func TestPool_Backoff(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, RetryBase: time.Second}, nopHandler)
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, tc := range tests {
		if got := p.backoff(tc.retries); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}
