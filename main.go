package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gogotex/livedoc/handlers"
	"github.com/gogotex/livedoc/internal/config"
	"github.com/gogotex/livedoc/internal/document/handler"
	"github.com/gogotex/livedoc/internal/document/repository"
	"github.com/gogotex/livedoc/internal/document/service"
	"github.com/gogotex/livedoc/internal/events"
	"github.com/gogotex/livedoc/pkg/logger"
	"github.com/gogotex/livedoc/pkg/metrics"
	"github.com/gogotex/livedoc/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var startTime = time.Now()

// server bundles the long-lived pieces shared by the router and background workers.
type server struct {
	cfg   *config.Config
	repo  *repository.MemoryRepo
	bus   *events.Bus
	svc   service.Service
	redis *redis.Client
}

func newServer(cfg *config.Config, rdb *redis.Client) *server {
	repo := repository.NewMemoryRepo(repository.WithLivenessWindow(cfg.Sync.LivenessWindow))
	bus := events.NewBus()
	return &server{
		cfg:   cfg,
		repo:  repo,
		bus:   bus,
		svc:   service.NewService(repo, bus),
		redis: rdb,
	}
}

// keep reports whether the reaper must leave a document alone.
func (s *server) keep(id string) bool {
	return s.bus.ConnectionCount(id) > 0
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(middleware.RequestID(), middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := true
		deps := map[string]bool{"store": true}

		// Redis is only a hard dependency when the limiter is configured to use it
		if s.cfg.RateLimit.Enabled && s.cfg.RateLimit.UseRedis {
			ok := s.redis != nil && s.redis.Ping(c.Request.Context()).Err() == nil
			deps["redis"] = ok
			if !ok {
				ready = false
			}
		}

		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      status,
			"deps":        deps,
			"documents":   s.repo.Len(),
			"subscribers": s.subscriberCount(),
			"uptime":      time.Since(startTime).String(),
		})
	})

	handlers.RegisterSwagger(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	opts := []handler.Option{
		handler.WithKeepalive(s.cfg.Sync.KeepaliveInterval),
		handler.WithStreamBuffer(s.cfg.Sync.StreamBuffer),
	}
	// both prefixes draw from one limiter store
	lim := s.limiter()
	for _, prefix := range []string{"/", "/api"} {
		g := r.Group(prefix)
		if lim != nil {
			g.Use(lim)
		}
		handler.RegisterDocumentRoutes(g, s.svc, opts...)
	}
	return r
}

func (s *server) subscriberCount() int {
	n := 0
	for _, id := range s.bus.Documents() {
		n += s.bus.ConnectionCount(id)
	}
	return n
}

func (s *server) limiter() gin.HandlerFunc {
	rl := s.cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	if rl.UseRedis && s.redis != nil {
		win := time.Duration(rl.WindowSeconds) * time.Second
		return middleware.RedisRateLimitMiddleware(s.redis, rl.RPS, rl.Burst, win, middleware.ClientKey)
	}
	return middleware.RateLimitMiddleware(rl.RPS, rl.Burst, middleware.ClientKey)
}

func main() {
	// initialize logging (LOG_LEVEL env: debug|info|warn|error|fatal)
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)
	logger.Debugf("startup: LOG_LEVEL=%s", logger.LevelString())
	logger.Infof("config loaded: redis=%v rate_limit=%v reaper=%v", cfg.Redis.Host != "", cfg.RateLimit.Enabled, cfg.Sync.ReaperIdle > 0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if addr := cfg.Redis.Addr(); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warnf("failed to connect to Redis (%s): %v", addr, err)
		} else {
			logger.Infof("connected to Redis at %s", addr)
		}
		cancel()
		defer func() { _ = rdb.Close() }()
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.UseRedis && rdb == nil {
		logger.Warnf("RATE_LIMIT_USE_REDIS set but REDIS_HOST is empty; using in-memory limiter")
	}

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)

	s := newServer(cfg, rdb)
	if cfg.Sync.ReaperIdle > 0 {
		go s.repo.RunReaper(ctx, cfg.Sync.ReaperInterval, cfg.Sync.ReaperIdle, s.keep)
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		// event streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Starting document service on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server failed: %v", err)
	}
	logger.Infof("document service stopped")
}
