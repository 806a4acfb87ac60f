package main

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/ingest"
)

type fakeSink struct {
	calls    int
	failures int
	err      error
}

func (f *fakeSink) Apply(ctx context.Context, upd ingest.LocationUpdate) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func TestApplyWithRetryRecovers(t *testing.T) {
	sink := &fakeSink{failures: 2, err: apperrors.Internal("redis down", nil)}
	upd := ingest.LocationUpdate{DriverID: "d1", Lat: 50.06, Lng: 19.93}

	err := applyWithRetry(context.Background(), sink, upd, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if sink.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.calls)
	}
}

func TestApplyWithRetryExhausts(t *testing.T) {
	sink := &fakeSink{failures: 10, err: apperrors.Internal("redis down", nil)}
	upd := ingest.LocationUpdate{DriverID: "d1"}

	err := applyWithRetry(context.Background(), sink, upd, 3, time.Millisecond)
	if apperrors.KindOf(err) != apperrors.KindInternal {
		t.Fatalf("expected the last error back, got %v", err)
	}
	if sink.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.calls)
	}
}

func TestApplyWithRetryFailsFastOnDomainError(t *testing.T) {
	sink := &fakeSink{failures: 10, err: apperrors.NotFound("driver ghost")}
	upd := ingest.LocationUpdate{DriverID: "ghost"}

	err := applyWithRetry(context.Background(), sink, upd, 5, time.Millisecond)
	if apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("domain errors must not retry, got %d attempts", sink.calls)
	}
}

func TestApplyWithRetryHonorsCancellation(t *testing.T) {
	sink := &fakeSink{failures: 10, err: apperrors.Internal("redis down", nil)}
	upd := ingest.LocationUpdate{DriverID: "d1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := applyWithRetry(ctx, sink, upd, 5, time.Hour)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("expected a single attempt before the backoff, got %d", sink.calls)
	}
}
