package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListener_HandlesAndReportsErrors(t *testing.T) {
	in := make(chan int)
	var sum atomic.Int64
	errs := make(chan error, 4)
	stopped := false

	l := New("test", in,
		func(_ context.Context, v int) error {
			if v < 0 {
				return errors.New("negative")
			}
			sum.Add(int64(v))
			return nil
		},
		func(err error) { errs <- err },
		func() { stopped = true },
	)
	l.Start(context.Background())

	in <- 1
	in <- -1
	in <- 2

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "negative")
		require.ErrorContains(t, err, "test")
	case <-time.After(5 * time.Second):
		t.Fatal("error callback not called")
	}

	l.Stop()
	require.Equal(t, int64(3), sum.Load())
	require.True(t, stopped)
}

func TestListener_StopsOnParentCancel(t *testing.T) {
	in := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	l := New[struct{}]("cancel", in, func(context.Context, struct{}) error { return nil }, nil)
	l.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
