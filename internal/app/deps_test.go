package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulselink/backend/internal/config"
)

type fakePool struct{}

func (fakePool) Acquire(context.Context) (*pgxpool.Conn, error) {
	return nil, errors.New("not implemented")
}

func (fakePool) Close() {}

func TestBuildDependencies(t *testing.T) {
	cfg := config.Config{
		TokenTTL:          time.Hour,
		RingTimeout:       time.Minute,
		AckTimeout:        15 * time.Second,
		ConnectsPerMinute: 30,
		EventsPerSecond:   20,
		EventBurst:        40,
		ArchiveWorkers:    1,
		ObjectStore:       config.ObjectStoreConfig{Bucket: "test-bucket", Endpoint: "http://localhost:9000", Region: "us-east-1"},
	}

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	deps, err := buildDependencies(context.Background(), fakePool{}, cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = deps.archiver.Shutdown(ctx)
	}()

	if deps.registry == nil {
		t.Fatal("expected connection registry to be configured")
	}
	if deps.broadcaster == nil {
		t.Fatal("expected status broadcaster to be configured")
	}
	if deps.calls == nil {
		t.Fatal("expected call coordinator to be configured")
	}
	if deps.gateway == nil {
		t.Fatal("expected websocket gateway to be configured")
	}
	if deps.archiver == nil {
		t.Fatal("expected call archiver when a bucket is configured")
	}
}

func TestBuildDependenciesWithoutArchiveBucket(t *testing.T) {
	deps, err := buildDependencies(context.Background(), fakePool{}, config.Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deps.archiver != nil {
		t.Fatal("expected no archiver without a bucket")
	}
	if deps.gateway == nil {
		t.Fatal("expected websocket gateway to be configured")
	}
}
