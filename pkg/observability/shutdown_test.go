package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestShutdownManager_RunsHooksInOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)

	var order []int
	sm.RegisterShutdownFunc(func(ctx context.Context) error { order = append(order, 1); return nil })
	sm.RegisterShutdownFunc(func(ctx context.Context) error { order = append(order, 2); return nil })

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("hooks ran as %v, want [1 2]", order)
	}
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	boom := errors.New("close failed")
	sm.RegisterShutdownFunc(func(ctx context.Context) error { return boom })

	err := sm.Shutdown()
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped hook error, got %v", err)
	}
}

func TestShutdownManager_StopsServers(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &http.Server{Addr: listener.Addr().String(), Handler: http.NewServeMux()}

	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	ctx, cancel := context.WithCancel(context.Background())
	sm := NewShutdownManager(NopLogger(), time.Second, server)

	done := make(chan error, 1)
	go func() { done <- sm.WaitForShutdown(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve returned %v, want ErrServerClosed", err)
	}
}

func TestPanicHelpers(t *testing.T) {
	var recovered interface{}
	func() {
		defer RecoverPanicWithCallback(NopLogger(), "test", func(r interface{}) { recovered = r })
		panic("kaboom")
	}()
	if recovered != "kaboom" {
		t.Errorf("callback got %v, want kaboom", recovered)
	}

	if PanicError(nil) != nil {
		t.Error("PanicError(nil) should be nil")
	}
	inner := errors.New("inner")
	if err := PanicError(inner); !errors.Is(err, inner) {
		t.Errorf("PanicError should wrap errors, got %v", err)
	}
}
