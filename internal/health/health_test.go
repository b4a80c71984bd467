package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/defirisk/internal/circuitbreaker"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestRegistryAppliesTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 10 * time.Millisecond
	r.Register("slow", Ping("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed-out checker should report unhealthy")
	}
	if statuses[0].Detail != context.DeadlineExceeded.Error() {
		t.Fatalf("expected deadline detail, got %q", statuses[0].Detail)
	}
}

func TestPing(t *testing.T) {
	ok := Ping("db", func(context.Context) error { return nil })(context.Background())
	if !ok.Healthy || ok.Name != "db" {
		t.Fatalf("expected healthy db, got %+v", ok)
	}
	bad := Ping("db", func(context.Context) error { return errors.New("connection refused") })(context.Background())
	if bad.Healthy || bad.Detail != "connection refused" {
		t.Fatalf("expected unhealthy db, got %+v", bad)
	}
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(1, time.Hour)
	check := Breaker("defillama", b, "defillama")

	if s := check(context.Background()); !s.Healthy || s.Detail != "circuit closed" {
		t.Fatalf("expected closed and healthy, got %+v", s)
	}
	b.RecordFailure("defillama")
	if s := check(context.Background()); s.Healthy || s.Detail != "circuit open" {
		t.Fatalf("expected open and unhealthy, got %+v", s)
	}
}
