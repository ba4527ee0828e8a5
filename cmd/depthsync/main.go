package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/config"
	"github.com/caesar-terminal/depthsync/internal/feed"
	"github.com/caesar-terminal/depthsync/internal/logging"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
	"github.com/caesar-terminal/depthsync/internal/publish"
	"github.com/caesar-terminal/depthsync/internal/query"
	"github.com/caesar-terminal/depthsync/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("depthsync stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("depthsync starting",
		zap.String("mode", cfg.Feed.Mode),
		zap.Int("subscriptions", len(cfg.Subscriptions)),
	)

	reg, err := pipeline.NewRegistry(pipeline.Config{
		MaxLevels:     cfg.Book.MaxLevels,
		Bands:         cfg.Book.Bands,
		ResyncTimeout: cfg.Book.ResyncTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	mgr := feed.NewManager(reg, feedConfig(cfg.Feed), log)
	if err := addSessions(mgr, cfg); err != nil {
		return err
	}
	reg.SetResyncer(mgr)
	defer mgr.Close()

	bc := publish.NewBroadcaster(log)
	bc.Register(reg)

	monitor := publish.NewMonitor(publish.DefaultFreshnessConfig(), bc.SubscribeAll(), bc.SubscribeStatuses())
	for _, s := range mgr.Sessions() {
		for _, ex := range mgr.Exchanges(s) {
			monitor.WatchConnection(ex, s)
		}
	}

	cmp := publish.NewComparator(bc, monitor, cfg.Compare.Band, cfg.Compare.Side)
	for _, p := range publish.DefaultPairs(cfg.Compare.Market, symbols(cfg.Subscriptions)) {
		cmp.AddPair(p)
	}

	hub := server.NewHub(server.Sources{
		Results:     bc.SubscribeAll(),
		Statuses:    bc.SubscribeStatuses(),
		Comparisons: cmp.Events(),
	}, log)
	httpSrv := server.NewHTTPServer(cfg.Server.Addr, hub, reg, monitor, log)

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		go publish.NewRedisWriter(client, bc.SubscribeAll(), log).Run(ctx)
		log.Info("redis sink enabled", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Kafka.Enabled {
		w := publish.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		go publish.NewKafkaSink(w, bc.SubscribeAll(), log).Run(ctx)
		log.Info("kafka sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	qsrv, err := query.New(cfg.Query.SocketPath, query.NewHandler(reg, monitor, cfg.Compare.Band, cfg.Compare.Side))
	if err != nil {
		return fmt.Errorf("query server: %w", err)
	}

	go bc.Run(ctx)
	go monitor.Run(ctx)
	go cmp.Run(ctx)
	go hub.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go func() { errCh <- qsrv.Serve() }()

	if err := mgr.Start(ctx); err != nil {
		// Failed sessions are closed; the others keep running.
		log.Error("some sessions failed to start", zap.Error(err))
	}
	for _, sub := range cfg.Subscriptions {
		for _, key := range sub.Keys() {
			if err := mgr.Watch(ctx, key); err != nil {
				log.Warn("watch failed", zap.Stringer("key", key), zap.Error(err))
			}
		}
	}
	log.Info("depthsync ready",
		zap.Int("books", len(reg.Keys())),
		zap.String("http", cfg.Server.Addr),
		zap.String("socket", cfg.Query.SocketPath),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("depthsync shutting down")
	case err := <-errCh:
		if err != nil {
			runErr = err
		}
	}

	// Health reports unavailable while the servers drain.
	monitor.Halt()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("http shutdown", zap.Error(err))
	}
	qsrv.GracefulStop()
	return runErr
}

func feedConfig(fc config.FeedConfig) feed.Config {
	c := feed.DefaultConfig()
	c.HeartbeatTimeout = fc.HeartbeatTimeout
	c.BackoffInitial = fc.BackoffInitial
	c.BackoffMax = fc.BackoffMax
	if fc.SnapshotLimit > 0 {
		c.SnapshotLimit = fc.SnapshotLimit
	}
	return c
}

// symbols lists every subscribed symbol once, in manifest order.
func symbols(subs []config.Subscription) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range subs {
		for _, k := range s.Keys() {
			if !seen[k.Symbol] {
				seen[k.Symbol] = true
				out = append(out, k.Symbol)
			}
		}
	}
	return out
}
