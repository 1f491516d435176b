package testutil_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/authguard/internal/storage"
	"github.com/developingchet/authguard/internal/testutil"
)

var (
	_ storage.CounterStore = (*testutil.MockStore)(nil)
	_ storage.RuleStore    = (*testutil.MockStore)(nil)
	_ storage.Sizer        = (*testutil.MockStore)(nil)
)

func TestMockStore_ErrorInjectionIsConsumed(t *testing.T) {
	s := testutil.NewMockStore()
	ctx := context.Background()
	key := storage.CounterKey{Type: "t", ID: "i", ScaleMs: 1000, Window: 1}
	boom := errors.New("boom")

	s.SetError("FetchOrCreate", boom)
	if _, err := s.FetchOrCreate(ctx, key, time.Now(), time.Hour); !errors.Is(err, boom) {
		t.Fatalf("first call: err = %v, want boom", err)
	}
	if _, err := s.FetchOrCreate(ctx, key, time.Now(), time.Hour); err != nil {
		t.Fatalf("second call should succeed, got %v", err)
	}
	if got := s.Calls("FetchOrCreate"); got != 2 {
		t.Errorf("Calls = %d, want 2", got)
	}
}

func TestMockStore_DelegatesCounters(t *testing.T) {
	s := testutil.NewMockStore()
	ctx := context.Background()
	key := storage.CounterKey{Type: "t", ID: "i", ScaleMs: 1000, Window: 1}

	if _, err := s.FetchOrCreate(ctx, key, time.Now(), time.Hour); err != nil {
		t.Fatal(err)
	}
	admitted, count, err := s.TryIncrement(ctx, key, 1, 1)
	if err != nil || !admitted || count != 1 {
		t.Fatalf("TryIncrement = %v, %d, %v", admitted, count, err)
	}
	removed, err := s.DeleteAll(ctx, "t", "i")
	if err != nil || removed != 1 {
		t.Fatalf("DeleteAll = %d, %v", removed, err)
	}
}

func TestMockStore_SizeBytes(t *testing.T) {
	s := testutil.NewMockStore()
	s.Size = 4096
	size, err := s.SizeBytes()
	if err != nil || size != 4096 {
		t.Fatalf("SizeBytes = %d, %v", size, err)
	}
	s.SetError("SizeBytes", errors.New("stat failed"))
	if _, err := s.SizeBytes(); err == nil {
		t.Fatal("expected injected error")
	}
}
