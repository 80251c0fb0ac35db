package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/service-dispatch/internal/models"
)

// fakeUpserter implements Upserter for tests
type fakeUpserter struct {
	fail  int // number of times to fail before succeeding
	calls int
}

func (f *fakeUpserter) Upsert(ctx context.Context, w models.Worker) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("registry fail")
	}
	return nil
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpserter{fail: 2}
	w := models.Worker{ID: "w1", Location: &models.Coordinate{Lat: 1, Lon: 2}, Available: true}
	start := time.Now()
	if err := upsertWithRetry(context.Background(), f, w, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpserter{fail: 5}
	w := models.Worker{ID: "w1", Available: true}
	if err := upsertWithRetry(context.Background(), f, w, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}
