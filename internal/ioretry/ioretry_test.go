package ioretry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("calls=%d err=%v, want 1 call and nil error", calls, err)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("calls=%d err=%v, want 3 calls and nil error", calls, err)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	want := errors.New("boom")
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return want
	})
	if err != want || calls != 2 {
		t.Fatalf("calls=%d err=%v, want 2 calls and boom error", calls, err)
	}
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 5, time.Millisecond, func() error {
		t.Fatalf("fn should not be called with an already-cancelled context")
		return nil
	})
	if err == nil {
		t.Fatalf("expected context error")
	}
}
