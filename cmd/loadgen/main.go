// Package main is the entrypoint for the load generator. It drives the
// pooled datasource with concurrent workers, exposing Prometheus metrics and
// health endpoints while it runs, and dumps the pool state on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joao-brasil/dbpool/internal/cache"
	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/health"
	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/joao-brasil/dbpool/pkg/cachekey"
)

var (
	configPath = flag.String("config", "configs/dbpool.yaml", "Path to configuration file")
	workers    = flag.Int("workers", 8, "Number of concurrent workers")
	duration   = flag.Duration("duration", 0, "How long to run (0 = until interrupted)")
	query      = flag.String("query", "SELECT 1", "Query each worker issues")
	holdTime   = flag.Duration("hold", 10*time.Millisecond, "How long workers hold a connection per cycle")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting pooled datasource load generator")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: pool=%s url=%s max_active=%d max_idle=%d",
		cfg.Pool.Name, cfg.DataSource.URL, cfg.Pool.MaxActive, cfg.Pool.MaxIdle)

	pool.SetDebugLogging(cfg.Pool.DebugLogging)

	// ─── Build Factory and Pool ──────────────────────────────────────
	factory := driver.NewUnpooled(cfg.DataSource.URL, cfg.DataSource.User, cfg.DataSource.Password)
	factory.SetDefaultAutoCommit(*cfg.DataSource.AutoCommit)
	isolation, err := driver.ParseIsolation(cfg.DataSource.Isolation)
	if err != nil {
		log.Fatalf("[main] Invalid isolation level: %v", err)
	}
	factory.SetDefaultIsolation(isolation)
	if len(cfg.DataSource.Properties) > 0 {
		factory.SetDriverProperties(cfg.DataSource.Properties)
	}
	factory.SetConnectTimeout(cfg.DataSource.ConnectTimeout)
	factory.SetLogStatements(cfg.DataSource.LogStatements)

	p := pool.New(factory, pool.Options{
		Name:                  cfg.Pool.Name,
		MaxActive:             cfg.Pool.MaxActive,
		MaxIdle:               cfg.Pool.MaxIdle,
		MaxCheckoutTime:       cfg.Pool.MaxCheckoutTime,
		TimeToWait:            cfg.Pool.TimeToWait,
		LocalBadTolerance:     cfg.Pool.LocalBadTolerance,
		PingQuery:             cfg.Pool.PingQuery,
		PingEnabled:           cfg.Pool.PingEnabled,
		PingNotUsedFor:        cfg.Pool.PingNotUsedFor,
		DiscardUnrollbackable: cfg.Pool.DiscardUnrollbackable,
	})
	defer p.Close()
	log.Println("[main] Pool ready")

	// ─── Build Query Cache ───────────────────────────────────────────
	var queryCache cache.Cache
	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "redis":
			rc, err := cache.NewRedis(cfg.Cache.ID, cache.RedisOptions{
				Addr:     cfg.Cache.RedisAddr,
				Password: cfg.Cache.RedisPassword,
				DB:       cfg.Cache.RedisDB,
				TTL:      cfg.Cache.TTL,
			})
			if err != nil {
				log.Fatalf("[main] Failed to connect cache: %v", err)
			}
			defer rc.CloseClient()
			queryCache = rc
		default:
			queryCache = cache.NewPerpetual(cfg.Cache.ID)
		}
		queryCache = cache.NewBlocking(queryCache, cfg.Cache.BlockingTimeout)
		log.Printf("[main] Query cache ready: backend=%s id=%s", cfg.Cache.Backend, cfg.Cache.ID)
	}

	// ─── Metrics Server ──────────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Health Server ───────────────────────────────────────────────
	checker := health.NewChecker(cfg, factory, p)
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] Health server listening on :%d/health", cfg.HealthPort)

	// ─── Run Workers ─────────────────────────────────────────────────
	var (
		runCtx context.Context
		stop   context.CancelFunc
	)
	if *duration > 0 {
		runCtx, stop = context.WithTimeout(context.Background(), *duration)
	} else {
		runCtx, stop = context.WithCancel(context.Background())
	}
	defer stop()

	var ops, opErrors atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(runCtx, id, p, queryCache, &ops, &opErrors)
		}(i)
	}

	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("[main] %d workers running. Waiting for completion or shutdown signal...", *workers)

loop:
	for {
		select {
		case <-statusTicker.C:
			s := p.State()
			log.Printf("[main] ops=%d errors=%d | %s", ops.Load(), opErrors.Load(), s)
		case sig := <-sigCh:
			log.Printf("[main] Received signal %v, shutting down gracefully...", sig)
			stop()
			break loop
		case <-runCtx.Done():
			log.Println("[main] Run duration elapsed, shutting down...")
			break loop
		}
	}

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}
	if err := checker.Close(); err != nil {
		log.Printf("[main] Health checker close error: %v", err)
	}

	log.Printf("[main] Final: ops=%d errors=%d", ops.Load(), opErrors.Load())
	log.Printf("[main] %s", p.State())
	log.Println("[main] Shutdown complete.")
}

// worker runs acquire/query/close cycles until the context is cancelled.
// When a cache is configured, query results are looked up there first, keyed
// by (query, worker id mod 4) so workers contend on a few shared keys.
func worker(ctx context.Context, id int, p *pool.Pool, queryCache cache.Cache, ops, opErrors *atomic.Uint64) {
	for {
		if ctx.Err() != nil {
			return
		}

		if queryCache != nil {
			key := cachekey.New(*query, id%4)
			if _, ok, err := queryCache.Get(key); err == nil && ok {
				ops.Add(1)
				pause(ctx, *holdTime)
				continue
			} else if err != nil {
				log.Printf("[worker %d] cache get: %v", id, err)
			}
			count, err := runQuery(ctx, p)
			if err != nil {
				opErrors.Add(1)
				queryCache.Remove(key) // unblock waiters behind this key
				pause(ctx, 100*time.Millisecond)
				continue
			}
			if err := queryCache.Put(key, count); err != nil {
				log.Printf("[worker %d] cache put: %v", id, err)
			}
			ops.Add(1)
			continue
		}

		if _, err := runQuery(ctx, p); err != nil {
			opErrors.Add(1)
			pause(ctx, 100*time.Millisecond)
			continue
		}
		ops.Add(1)
	}
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// runQuery performs one acquire/query/close cycle and returns the row count.
func runQuery(ctx context.Context, p *pool.Pool) (int, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("[loadgen] acquire: %v", err)
		}
		return 0, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, *query)
	if err != nil {
		log.Printf("[loadgen] query: %v", err)
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}

	if *holdTime > 0 {
		select {
		case <-time.After(*holdTime):
		case <-ctx.Done():
		}
	}
	return count, nil
}
