package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestGate_HealthyAfterSomePolls(t *testing.T) {
	var calls int32
	probe := ProbeFunc(func(context.Context, Target) (bool, error) {
		return atomic.AddInt32(&calls, 1) >= 3, nil
	})
	g := NewGate(probe, 5*time.Millisecond, nil)

	res, err := g.WaitHealthy(context.Background(), Target{TaskID: "t1"}, time.Second)
	if err != nil {
		t.Fatalf("WaitHealthy: %v", err)
	}
	if res != ResultHealthy {
		t.Errorf("expected healthy, got %s", res)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 probe calls, got %d", n)
	}
}

func TestGate_ImmediateHealthy(t *testing.T) {
	g := NewGate(ProbeFunc(func(context.Context, Target) (bool, error) { return true, nil }), time.Hour, nil)
	start := time.Now()
	res, _ := g.WaitHealthy(context.Background(), Target{TaskID: "t1"}, time.Minute)
	if res != ResultHealthy {
		t.Fatalf("expected healthy, got %s", res)
	}
	if time.Since(start) > time.Second {
		t.Error("expected the first check to happen before the first tick")
	}
}

func TestGate_TimesOut(t *testing.T) {
	g := NewGate(ProbeFunc(func(context.Context, Target) (bool, error) { return false, nil }), 5*time.Millisecond, nil)
	res, err := g.WaitHealthy(context.Background(), Target{TaskID: "t1"}, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultTimedOut {
		t.Errorf("expected timed_out, got %s", res)
	}
}

func TestGate_ProbeErrorsAreUnhealthy(t *testing.T) {
	var calls int32
	probe := ProbeFunc(func(context.Context, Target) (bool, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return false, errors.New("target not registered")
		}
		return true, nil
	})
	g := NewGate(probe, 5*time.Millisecond, nil)
	res, err := g.WaitHealthy(context.Background(), Target{TaskID: "t1"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultHealthy {
		t.Errorf("expected errors to be retried until healthy, got %s", res)
	}
}

func TestGate_Cancelled(t *testing.T) {
	g := NewGate(ProbeFunc(func(context.Context, Target) (bool, error) { return false, nil }), 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := g.WaitHealthy(ctx, Target{TaskID: "t1"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultCancelled {
		t.Errorf("expected cancelled, got %s", res)
	}
}

func TestGate_RejectsNonPositiveTimeout(t *testing.T) {
	g := NewGate(ProbeFunc(func(context.Context, Target) (bool, error) { return true, nil }), 0, nil)
	for _, timeout := range []time.Duration{0, -time.Second} {
		if _, err := g.WaitHealthy(context.Background(), Target{}, timeout); !errors.Is(err, ErrInvalidTimeout) {
			t.Errorf("timeout %s: expected ErrInvalidTimeout, got %v", timeout, err)
		}
	}
}

func TestGate_Observer(t *testing.T) {
	g := NewGate(ProbeFunc(func(context.Context, Target) (bool, error) { return true, nil }), time.Millisecond, nil)
	var got Result
	g.AddObserver(func(_ Target, r Result, _ time.Duration) { got = r })
	if _, err := g.WaitHealthy(context.Background(), Target{Environment: "staging", TaskID: "t1"}, time.Second); err != nil {
		t.Fatal(err)
	}
	if got != ResultHealthy {
		t.Errorf("expected observer to see healthy, got %q", got)
	}
}

func TestHTTPProbe(t *testing.T) {
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	target := Target{TaskID: "t1", Address: host, Port: int32(port)}
	p := NewHTTPProbe("", 0, time.Second)

	ok, err := p.Status(context.Background(), target)
	if err != nil || ok {
		t.Fatalf("expected unhealthy, got ok=%v err=%v", ok, err)
	}
	healthy.Store(true)
	ok, err = p.Status(context.Background(), target)
	if err != nil || !ok {
		t.Fatalf("expected healthy, got ok=%v err=%v", ok, err)
	}

	if _, err := p.Status(context.Background(), Target{TaskID: "pending"}); err == nil {
		t.Error("expected error for target without address")
	}
}
