package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want nil/1", err, calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond), WithMaxDelay(time.Millisecond))

	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d, want nil/3", err, calls)
	}
}

func TestDoReturnsErrorAfterExhaustingAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithMaxDelay(time.Millisecond))

	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsWhenRetryIfRejects(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("fatal")
	}, WithRetryIf(func(error) bool { return false }))

	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want error/1", err, calls)
	}
}
