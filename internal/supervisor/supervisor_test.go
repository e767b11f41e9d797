package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunRestartsCrashedLoop(t *testing.T) {
	origBackoff := RestartBackoff
	t.Cleanup(func() {})
	_ = origBackoff

	var calls int32
	ctx, cancel := context.WithCancel(context.Background())

	loop := Loop{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n >= 2 {
				cancel()
				return nil
			}
			return errors.New("boom")
		},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	super := New(log, nil, loop)

	// RestartBackoff is a package constant sized for production use; this
	// test only checks that a second invocation happens at all, not its
	// exact timing, so it tolerates the real backoff.
	done := make(chan struct{})
	go func() {
		super.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(RestartBackoff + 2*time.Second):
		t.Fatalf("supervisor did not stop after context cancellation")
	}

	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected the loop to be restarted at least once, got %d calls", calls)
	}
}
