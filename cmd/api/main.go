package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"attendsync/internal/auth"
	"attendsync/internal/config"
	"attendsync/internal/httpmiddleware"
	"attendsync/internal/metrics"
	"attendsync/internal/notify"
	"attendsync/internal/queue"
	"attendsync/internal/storage/postgres"
	"attendsync/internal/storage/sqlite"
	"attendsync/internal/store"
	"attendsync/internal/sync"
	"attendsync/internal/syncerr"
)

// deviceRegistry is the slice of the store the registration endpoint
// needs.
type deviceRegistry interface {
	RegisterDevice(ctx context.Context, deviceID string) error
}

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	recordStore, conflictStore, devices, dbHealthy, cleanup, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	hub := notify.NewHub(logger)

	// With the redis queue, local websocket clients get their events back
	// through the notifier daemon's pub/sub relay, so the hub subscribes
	// rather than joining the notifier fan-out directly; in memory mode
	// there is no relay and the hub is fed in-process.
	var q queue.Queue
	var notifier notify.Notifier
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		notifier = notify.Multi{notify.NewQueueNotifier(q), hub}
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendsync:events")
		notifier = notify.NewQueueNotifier(q)
		sub := redisClient.Subscribe(ctx, sync.TopicAttendance, sync.TopicConflict)
		go relayEvents(ctx, sub, hub, logger)
	}

	var tracker sync.Tracker
	if cfg.StoreBackend == "memory" {
		tracker = sync.NewMemoryTracker()
	} else {
		tracker = sync.NewRedisTracker(redisClient.Client, cfg.StatsRetention, logger)
	}

	collectors := metrics.NewSync(nil)

	mgr, err := sync.NewManager(recordStore, conflictStore, tracker, notifier, collectors, logger, sync.Config{
		Defaults:        conflictDefaults(cfg.ConflictDefaults),
		LateGrace:       cfg.LateGrace,
		NotifyTimeout:   cfg.NotifyTimeout,
		ClockSkew:       cfg.ClockSkew,
		FutureTolerance: cfg.FutureTolerance,
	})
	if err != nil {
		return fmt.Errorf("build sync manager: %w", err)
	}
	defer mgr.Close()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	// Unauthenticated routes limit per source address; the sync API
	// limits per device so one chatty device cannot starve the rest of a
	// school's fleet behind the same NAT.
	limiter := httpmiddleware.NewLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	byDevice := limiter.By(func(c *gin.Context) string { return auth.DeviceID(c) })

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy()})
	})

	r.POST("/v1/devices/register", limiter.ByClientIP(), func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := devices.RegisterDevice(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.DeviceID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, tokenResponse(tokens))
	})

	r.POST("/v1/devices/refresh", limiter.ByClientIP(), func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, err := auth.ParseUse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer, auth.UseRefresh)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		tokens, err := auth.Issue(claims.DeviceID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, tokenResponse(tokens))
	})

	authGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer), byDevice)

	authGroup.POST("/sync/batch", func(c *gin.Context) {
		var req struct {
			ClientID   string               `json:"client_id"`
			Operations []sync.SyncOperation `json:"operations" binding:"required"`
			Metadata   map[string]any       `json:"metadata"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID := callerID(c)
		clientID := req.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("%s-%d", userID, time.Now().UnixNano())
		}
		res, err := mgr.ProcessBatch(c.Request.Context(), userID, clientID, req.Operations)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	authGroup.POST("/sync/operations", func(c *gin.Context) {
		var op sync.SyncOperation
		if err := c.ShouldBindJSON(&op); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID := callerID(c)
		clientID := fmt.Sprintf("%s-%d", userID, time.Now().UnixNano())
		res, err := mgr.ProcessOperation(c.Request.Context(), userID, clientID, op)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	authGroup.GET("/sync/conflicts", func(c *gin.Context) {
		pending, err := mgr.PendingConflicts(c.Request.Context(), callerID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conflicts": pending})
	})

	authGroup.POST("/sync/conflicts/:id/resolve", func(c *gin.Context) {
		var req struct {
			Strategy sync.Strategy  `json:"strategy" binding:"required"`
			Payload  map[string]any `json:"payload"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := mgr.ResolveConflict(c.Request.Context(), c.Param("id"), req.Strategy, req.Payload)
		if err != nil {
			switch {
			case errors.Is(err, syncerr.ErrConflictNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "conflict not found"})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, res)
	})

	authGroup.GET("/sync/statistics", func(c *gin.Context) {
		days := 7
		if v := c.Query("days"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				days = parsed
			}
		}
		stats, err := mgr.Statistics(c.Request.Context(), callerID(c), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	authGroup.GET("/sync/events", gin.WrapH(hub))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// buildStores selects the record-store backend from config.
func buildStores(cfg config.App) (sync.Store, sync.ConflictStore, deviceRegistry, func() bool, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		mem := sync.NewMemoryStore()
		seedDemoData(mem)
		log.Println("using in-memory store (demo session seeded); data will not survive restarts")
		return mem, mem, mem, func() bool { return true }, func() {}, nil

	case "sqlite":
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Printf("using sqlite store at %s", cfg.SQLitePath)
		return st, st, st, func() bool { return true }, func() { _ = st.Close() }, nil

	default:
		db, err := store.NewDB(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Printf("warning: db not reachable: %v", err)
		}
		cleanup := func() {
			if db != nil {
				_ = db.Close()
			}
		}
		if db == nil {
			return nil, nil, nil, nil, cleanup, fmt.Errorf("postgres unavailable and no fallback configured")
		}
		pg := postgres.New(db.Client)
		healthy := func() bool { return db.Healthy(context.Background()) }
		return pg, pg, pg, healthy, cleanup, nil
	}
}

// seedDemoData gives the memory backend something to sync against.
func seedDemoData(mem *sync.MemoryStore) {
	now := time.Now().UTC()
	mem.SeedSession(sync.Session{
		ID:        "demo-session",
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
		Status:    "active",
	})
	for _, id := range []string{"student-1", "student-2", "student-3"} {
		mem.SeedStudent(id)
	}
}

// conflictDefaults converts the env override map into engine types,
// dropping pairs that do not name a known type and strategy.
func conflictDefaults(raw map[string]string) map[sync.ConflictType]sync.Strategy {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[sync.ConflictType]sync.Strategy, len(raw))
	for t, s := range raw {
		strategy := sync.Strategy(s)
		if !sync.KnownStrategy(strategy) {
			log.Printf("ignoring unknown strategy %q for conflict type %q", s, t)
			continue
		}
		out[sync.ConflictType(t)] = strategy
	}
	return out
}

// callerID is the device id the auth middleware recorded; the engine
// scopes batches, conflicts and statistics by it.
func callerID(c *gin.Context) string {
	if id := auth.DeviceID(c); id != "" {
		return id
	}
	return "anonymous"
}

func tokenResponse(tokens auth.TokenPair) gin.H {
	return gin.H{
		"access_token":       tokens.AccessToken,
		"refresh_token":      tokens.RefreshToken,
		"expires_at":         tokens.AccessExp.Unix(),
		"refresh_expires_at": tokens.RefreshExp.Unix(),
	}
}

// relayEvents feeds sync events relayed over redis pub/sub into the
// local websocket hub. Malformed payloads are dropped; the hub is
// best-effort like every other notification path.
func relayEvents(ctx context.Context, sub *redis.PubSub, hub *notify.Hub, logger *slog.Logger) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev notify.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("discarding malformed relayed event", "channel", msg.Channel, "error", err)
				continue
			}
			if err := hub.Publish(ctx, msg.Channel, ev); err != nil {
				logger.Warn("hub publish failed", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
