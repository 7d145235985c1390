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

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeDefaults(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{})
	if tree.config != DefaultTreeConfig() {
		t.Fatalf("defaults not applied: %+v", tree.config)
	}
}

func TestTreeRunsEveryLayer(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})
	var started atomic.Int32
	svc := func(name string) Func {
		return Func{Name: name, Run: func(ctx context.Context) error {
			started.Add(1)
			<-ctx.Done()
			return ctx.Err()
		}}
	}
	tree.AddIngest(svc("ingest"))
	tree.AddProcessing(svc("engine"))
	tree.AddAPI(svc("api"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for started.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if started.Load() != 3 {
		t.Fatalf("started %d services, want 3", started.Load())
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("tree did not stop")
	}
}

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	var runs atomic.Int32
	tree.AddIngest(Func{Name: "flaky", Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("listener died")
		}
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("failed service was not restarted")
	}
	cancel()
	<-errCh
}
