package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", func(context.Context) error { return nil })
	r.Register("audit_sink", func(context.Context) error { return errors.New("disk full") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy aggregate")
	}
	if statuses[0].Name != "database" || !statuses[0].Healthy {
		t.Errorf("unexpected first status: %+v", statuses[0])
	}
	if statuses[1].Healthy || statuses[1].Detail != "disk full" {
		t.Errorf("unexpected second status: %+v", statuses[1])
	}
}

func TestRegistryTimeoutBoundsCheck(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out check should be unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("check was not bounded by timeout")
	}
}
