// Package health provides health checks for the datasource and its
// collaborators: SQL Server reachability, Redis (when the cache uses it),
// and a live snapshot of the pool.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/pool"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	PoolState  string            `json:"pool_state"`
	Components []ComponentHealth `json:"components"`
}

// Checker performs health checks against the datasource's collaborators.
type Checker struct {
	cfg         *config.Config
	factory     driver.Factory
	p           *pool.Pool
	redisClient *redis.Client
}

// NewChecker creates a health checker. The Redis client is only created when
// the cache is configured against Redis.
func NewChecker(cfg *config.Config, factory driver.Factory, p *pool.Pool) *Checker {
	c := &Checker{cfg: cfg, factory: factory, p: p}
	if cfg.Cache.Enabled && cfg.Cache.Backend == "redis" {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
	}
	return c
}

// Close cleans up resources.
func (c *Checker) Close() error {
	if c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}

// Check runs all component checks and returns a report.
func (c *Checker) Check(ctx context.Context) *Report {
	state := c.p.State()
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		PoolState: state.String(),
	}

	report.Components = append(report.Components, c.checkSQLServer(ctx))
	if c.redisClient != nil {
		report.Components = append(report.Components, c.checkRedis(ctx))
	}

	for _, comp := range report.Components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

// checkSQLServer opens (and immediately closes) one physical connection; the
// factory verifies reachability with a ping as part of Open.
func (c *Checker) checkSQLServer(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := c.factory.Open(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Name:    "sqlserver",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("open failed: %v", err),
			Latency: latency.String(),
		}
	}
	conn.Close()

	return ComponentHealth{
		Name:    "sqlserver",
		Status:  StatusHealthy,
		Message: "connected",
		Latency: latency.String(),
	}
}

// checkRedis verifies connectivity with the cache's Redis instance.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.redisClient.Ping(ctx).Err()
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// ServeHTTP starts the health check HTTP server.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(rep)
	}

	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.cfg.HealthPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
