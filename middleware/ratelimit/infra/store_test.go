package infra

import (
	"errors"
	"testing"
	"time"
)

func TestStore_UpdateKeepsValuePerKey(t *testing.T) {
	s := NewStore[int]()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		_ = s.Update("k", now, 0, func(v *int, _ bool) error { *v++; return nil })
	}
	_ = s.Update("other", now, 0, func(v *int, _ bool) error { *v++; return nil })

	if v, ok := s.Get("k", now); !ok || v != 3 {
		t.Fatalf("expected k=3, got %d (ok=%v)", v, ok)
	}
	if v, _ := s.Get("other", now); v != 1 {
		t.Fatalf("expected other=1, got %d", v)
	}
}

func TestStore_ExpiredEntryStartsFresh(t *testing.T) {
	s := NewStore[int]()
	now := time.Unix(1_700_000_000, 0)

	_ = s.Update("k", now, time.Second, func(v *int, _ bool) error { *v = 7; return nil })

	var existed bool
	_ = s.Update("k", now.Add(time.Second), time.Second, func(v *int, exists bool) error {
		existed = exists
		if exists {
			t.Fatalf("expected expired entry to be treated as new")
		}
		if *v != 0 {
			t.Fatalf("expected zero value, got %d", *v)
		}
		return nil
	})
	if existed {
		t.Fatalf("expected exists=false")
	}
}

func TestStore_UpdateErrorDoesNotStore(t *testing.T) {
	s := NewStore[int]()
	boom := errors.New("boom")
	err := s.Update("k", time.Now(), 0, func(v *int, _ bool) error { *v = 1; return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no entry stored on error")
	}
}

func TestStore_CleanupRemovesIdleEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	s := NewStore[int](WithIdleTTL(2*time.Millisecond), WithCleanupEvery(0), WithClock(func() time.Time { return clock }))

	_ = s.Update("k", now, 0, func(v *int, _ bool) error { *v = 1; return nil })
	clock = now.Add(4 * time.Millisecond)

	s.Cleanup()

	if s.Len() != 0 {
		t.Fatalf("expected idle entry to be removed by cleanup")
	}
}
