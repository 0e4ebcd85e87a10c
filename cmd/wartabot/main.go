// Wartabot is a single-operator promotional broadcast workstation: it
// turns forwarded supplier catalog messages into approved, scheduled
// broadcasts through a conversational chat interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/ai"
	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/common/config"
	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/common/tracing"
	"github.com/wartabot/wartabot/internal/db"
	"github.com/wartabot/wartabot/internal/dispatch"
	"github.com/wartabot/wartabot/internal/events/bus"
	"github.com/wartabot/wartabot/internal/flow"
	"github.com/wartabot/wartabot/internal/media"
	"github.com/wartabot/wartabot/internal/replies"
	"github.com/wartabot/wartabot/internal/router"
	"github.com/wartabot/wartabot/internal/server"
	"github.com/wartabot/wartabot/internal/state"
	"github.com/wartabot/wartabot/internal/transport/wsbridge"
)

const sweepInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if cfg.Tracing.Enabled {
		tracing.Init(cfg.Tracing.Endpoint)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("wartabot exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage. One writer connection, a read-only pool.
	writer, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer writer.Close()
	reader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database reader: %w", err)
	}
	defer reader.Close()

	states, err := state.NewStore(writer, reader, log)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	store, err := broadcast.NewStore(writer, reader, log)
	if err != nil {
		return fmt.Errorf("failed to initialize broadcast store: %w", err)
	}

	cache, err := media.NewCache(cfg.Media.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to initialize media cache: %w", err)
	}
	ref := mediaReferencer{store: store, states: states, cache: cache}
	if removed, err := cache.Reconcile(ctx, ref, cfg.Media.ReconcileGrace()); err != nil {
		log.Warn("media reconcile failed", zap.Error(err))
	} else if removed > 0 {
		log.Info("media reconcile removed orphans", zap.Int("count", removed))
	}

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Warn("NATS unavailable, using in-memory event bus", zap.Error(err))
			eventBus = bus.NewMemoryEventBus(log)
		} else {
			eventBus = natsBus
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Transport bridge.
	bridge := wsbridge.New(cfg.Transport.BridgeURL, time.Duration(cfg.Transport.ReconnectDelay)*time.Second, log)
	connectBridge(ctx, bridge, log)
	defer bridge.Close()

	aiClient := ai.NewClient(cfg.AI.BaseURL, cfg.AI.TimeoutDuration(), log)
	replySet, err := replies.Load(cfg.Flows.RepliesPath)
	if err != nil {
		return fmt.Errorf("failed to load reply templates: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(cfg, store, bridge, eventBus, log)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	engine := flow.NewEngine(cfg, states, store, cache, aiClient, bridge, eventBus, dispatcher, replySet, log)
	rtr := router.NewRouter(cfg, engine, states, store, bridge, dispatcher, aiClient, eventBus, replySet, log)

	adminAPI := server.NewServer(cfg, store, states, dispatcher, aiClient, log)
	go func() {
		if err := adminAPI.Start(); err != nil {
			log.Error("admin API failed", zap.Error(err))
		}
	}()

	go rtr.SweepLoop(ctx, sweepInterval)

	log.Info("wartabot started",
		zap.String("ai", cfg.AI.BaseURL),
		zap.String("bridge", cfg.Transport.BridgeURL),
		zap.Int("operator_ids", len(cfg.Operator.IDs)))

	rtr.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminAPI.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin API shutdown failed", zap.Error(err))
	}
	_ = tracing.Shutdown(shutdownCtx)
	log.Info("wartabot stopped")
	return nil
}

// connectBridge retries the initial bridge dial so a slow-starting sidecar
// does not kill the bot. Later drops are handled by the client itself.
func connectBridge(ctx context.Context, bridge *wsbridge.Client, log *logger.Logger) {
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := bridge.Connect(dialCtx)
		cancel()
		if err == nil {
			return
		}
		log.Warn("bridge connect failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// mediaReferencer unions the media paths pinned by persisted broadcasts
// and by live serialized flow states.
type mediaReferencer struct {
	store  *broadcast.Store
	states *state.Store
	cache  *media.Cache
}

func (r mediaReferencer) ReferencedMediaPaths(ctx context.Context) (map[string]bool, error) {
	paths, err := r.store.ReferencedMediaPaths(ctx)
	if err != nil {
		return nil, err
	}
	handles, err := r.states.ActiveMediaHandles(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range handles {
		if p, ok := r.cache.Path(media.Handle(h)); ok {
			paths[p] = true
		}
	}
	return paths, nil
}
