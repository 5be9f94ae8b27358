// Command ratelimitd demonstrates pkg/ratelimit: it wires a Limiter (and,
// if REDIS_HOST is configured, a DistributedQuotaManager) around a
// synthetic outbound call and serves internal/adminapi for introspection.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ratelimit/internal/adminapi"
	"ratelimit/internal/adminapi/handler"
	"ratelimit/internal/config"
	"ratelimit/internal/infrastructure/cache"
	"ratelimit/pkg/jwt"
	"ratelimit/pkg/ratelimit"
)

// App holds every dependency the demo binary wires together, matching the
// teacher's bootstrap.App shape.
type App struct {
	Config      *config.Config
	RedisClient *redis.Client
	Limiter     *ratelimit.Limiter
	Distributed *ratelimit.DistributedQuotaManager
	Server      *http.Server
}

func main() {
	app, err := New()
	if err != nil {
		logrus.Fatalf("failed to initialize ratelimitd: %v", err)
	}
	app.Run()
}

// New builds an App with all dependencies initialized.
func New() (*App, error) {
	setupLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logrus.Info("configuration loaded successfully")

	app := &App{Config: cfg}

	quota := cfg.Quota.Quota()
	if err := quota.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quota configuration: %w", err)
	}

	if cfg.Redis.Host != "" {
		redisClient, err := cache.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.RedisClient = redisClient

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		log := logrus.WithField("component", "distributed_quota_manager")
		dqm, err := ratelimit.NewDistributedQuotaManager(ctx, quota, cfg.Redis.Channel,
			[]redis.UniversalClient{redisClient}, ratelimit.WithDistributedLogger(log))
		if err != nil {
			return nil, fmt.Errorf("failed to start distributed quota manager: %w", err)
		}
		app.Distributed = dqm
		app.Limiter = ratelimit.NewWithManager(dqm, ratelimit.WithLogger(logrus.WithField("component", "limiter")))

		logrus.Info("running in distributed mode")
	} else {
		app.Limiter = ratelimit.New(quota, ratelimit.WithLogger(logrus.WithField("component", "limiter")))
		logrus.Info("running in local-only mode (REDIS_HOST not set)")
	}

	jwtService := jwt.NewJWTService(jwt.JWTConfig{Secret: cfg.Admin.JWTSecret})
	app.Server = app.buildAdminServer(jwtService)

	return app, nil
}

func setupLogger() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(logrus.InfoLevel)
}

func (app *App) buildAdminServer(jwtService *jwt.JWTService) *http.Server {
	limiterStats := &handler.LimiterStats{
		ActiveCount:    app.Limiter.ActiveCount,
		EffectiveQuota: func() any { return app.Limiter.EffectiveQuota() },
		QueueDepth:     app.Limiter.QueueDepth,
	}

	var peerStats *handler.PeerRegistryStats
	if app.Distributed != nil {
		dqm := app.Distributed
		peerStats = &handler.PeerRegistryStats{
			SelfID:      dqm.SelfID,
			Peers:       dqm.Peers,
			Diagnostics: func() any { return dqm.Diagnostics() },
			Unregister: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return dqm.Unregister(ctx)
			},
		}
	}

	h := handler.New(limiterStats, peerStats)
	router := adminapi.NewRouter(h, jwtService)

	return &http.Server{
		Addr:    ":" + app.Config.Admin.Port,
		Handler: router.Setup(),
	}
}

// Run starts the admin HTTP server and a synthetic workload, then blocks
// until an interrupt signal triggers graceful shutdown.
func (app *App) Run() {
	go app.runSyntheticWorkload()

	go func() {
		logrus.Infof("admin server starting on port %s", app.Config.Admin.Port)
		if err := app.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("admin server failed: %v", err)
		}
	}()

	app.waitForShutdown()
}

// runSyntheticWorkload schedules a steady stream of fake outbound calls
// through the Limiter, standing in for the caller's real operation logic
// (out of scope per spec.md §1).
func (app *App) runSyntheticWorkload() {
	for {
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		go func() {
			defer cancel()
			_, err := app.Limiter.Schedule(ctx, func() (any, error) {
				time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)
				return "ok", nil
			})
			if err != nil {
				logrus.WithError(err).Debug("synthetic call did not complete")
			}
		}()
	}
}

func (app *App) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("shutting down ratelimitd...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Server.Shutdown(ctx); err != nil {
		logrus.Errorf("admin server forced to shutdown: %v", err)
	}

	app.Limiter.Close()

	if app.Distributed != nil {
		unregisterCtx, unregisterCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unregisterCancel()
		if err := app.Distributed.Unregister(unregisterCtx); err != nil {
			logrus.Errorf("failed to unregister from coordination channel: %v", err)
		}
	}

	if app.RedisClient != nil {
		app.RedisClient.Close()
	}

	logrus.Info("ratelimitd shutdown complete")
}
