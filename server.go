package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// readiness flips once the database is connected and the workers are running.
type readiness struct {
	mu    sync.RWMutex
	ready bool
}

func (r *readiness) set() {
	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
}

func (r *readiness) isReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

func newRouter(logger *logrus.Logger, ready *readiness, ops *opsHandlers) *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe and metrics scraping.
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		if !ready.isReady() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = config.SplitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			// cors.New panics on an empty allowlist; deny every origin instead.
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "X-Internal-Token", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if ops != nil {
		ops.register(r)
	}
	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	cfg := config.LoadPipelineConfig()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Routes are installed once dependencies exist; until then everything but /healthz is 503.
	ready := &readiness{}
	ops := &opsHandlers{logger: logger}
	r := newRouter(logger, ready, ops)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	defer config.CloseDatabase()

	// Redis only backs the best-effort debt and sweep locks; give up after REDIS_CONNECT_TIMEOUT_SECONDS.
	redisCtx, cancelRedis := context.WithTimeout(sigCtx, time.Duration(envSeconds("REDIS_CONNECT_TIMEOUT_SECONDS", 30))*time.Second)
	config.ConnectRedisWithRetry(redisCtx)
	cancelRedis()
	defer config.CloseRedis()
	if config.GetRedisLock() == nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable; running without distributed locks")
	}

	db := config.GetDB()
	// AutoMigrate can run DDL that blocks tables; allow running it as a separate job instead.
	if !config.EnvBool("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	p, err := buildPipeline(sigCtx, db, cfg, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pipeline"}).Fatal(err.Error())
	}
	defer p.Close()

	ops.files = p.files
	ops.sweeper = p.reconciler
	ops.requeuer = p.requeuer
	ops.importer = p.importer

	// Background workers stop before the HTTP drain so no new job starts while we shut down.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := p.queue.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithFields(logrus.Fields{"field": "queue"}).Error("queue stopped: " + err.Error())
		}
	}()
	go func() {
		defer workers.Done()
		if err := p.reconciler.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithFields(logrus.Fields{"field": "reconciler"}).Error("reconciler stopped: " + err.Error())
		}
	}()
	ready.set()

	logger.WithFields(logrus.Fields{
		"info":         "Connection Established",
		"queue_driver": cfg.QueueDriver,
		"event_bus":    cfg.EventBus,
		"provider":     cfg.ProviderMode,
	}).Info("debts pipeline listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelWorkers()
	workers.Wait()

	// Drain HTTP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}

func envSeconds(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v + "s")
	if err != nil || d <= 0 {
		return def
	}
	return int(d.Seconds())
}
