package app

import (
	"context"
	"log/slog"

	"github.com/pulselink/backend/internal/archive"
	"github.com/pulselink/backend/internal/auth"
	"github.com/pulselink/backend/internal/broadcast"
	"github.com/pulselink/backend/internal/call"
	"github.com/pulselink/backend/internal/config"
	"github.com/pulselink/backend/internal/db"
	"github.com/pulselink/backend/internal/gateway"
	"github.com/pulselink/backend/internal/middleware"
	"github.com/pulselink/backend/internal/registry"
	"github.com/pulselink/backend/internal/repositories"
	"github.com/pulselink/backend/internal/visibility"
)

// dependencies aggregates the realtime core components built at startup.
type dependencies struct {
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	calls       *call.Coordinator
	gateway     *gateway.Gateway
	archiver    *archive.Archiver
}

// buildDependencies wires the realtime components against their stores.
func buildDependencies(ctx context.Context, pool db.Pool, cfg config.Config, logger *slog.Logger) (dependencies, error) {
	relationships := repositories.NewPostgresRelationshipStore(pool)
	policies := repositories.NewPostgresPolicyStore(pool)
	callRecords := repositories.NewPostgresCallRecordStore(pool)
	directory := repositories.NewPostgresDirectoryStore(pool)
	tokens := auth.NewManager(cfg.TokenTTL, repositories.NewPostgresTokenStore(pool))

	reg := registry.New(relationships, logger)
	engine := visibility.NewEngine(relationships, policies, logger)
	broadcaster := broadcast.New(reg, engine, relationships, cfg.AckTimeout, logger)

	var archiver *archive.Archiver
	callCfg := call.Config{RingTimeout: cfg.RingTimeout}
	if cfg.ObjectStore.Bucket != "" {
		store, err := archive.NewS3Store(ctx, cfg.ObjectStore)
		if err != nil {
			return dependencies{}, err
		}
		archiver = archive.New(store, archive.Config{Workers: cfg.ArchiveWorkers}, logger)
		callCfg.Archiver = archiver
	}

	calls := call.NewCoordinator(reg, callRecords, callCfg, logger)

	// An abrupt disconnect ends any call the identity participates in.
	reg.OnDisconnect(calls.EndAllFor)

	connectLimiter := middleware.NewIPRateLimiter(cfg.ConnectsPerMinute, minuteWindow, cfg.ConnectsPerMinute, limiterTTL)
	gw := gateway.New(tokens, reg, broadcaster, calls, directory, connectLimiter, gateway.Config{
		EventsPerSecond: cfg.EventsPerSecond,
		EventBurst:      cfg.EventBurst,
	}, logger)

	return dependencies{
		registry:    reg,
		broadcaster: broadcaster,
		calls:       calls,
		gateway:     gw,
		archiver:    archiver,
	}, nil
}
