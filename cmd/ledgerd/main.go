package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/crypto"
	"github.com/chaintrail/chaintrail/internal/ledger"
	"github.com/chaintrail/chaintrail/internal/metrics"
	"github.com/chaintrail/chaintrail/internal/replicate"
	"github.com/chaintrail/chaintrail/internal/server"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 50)
	viper.SetDefault("ledger.dir", "./ledger-data")
	viper.SetDefault("ledger.rotate_size_bytes", int64(100*1024*1024))
	viper.SetDefault("encryption.enabled", false)
	viper.SetDefault("encryption.key", "")
	viper.SetDefault("encryption.passphrase", "")
	viper.SetDefault("encryption.salt", "")
	viper.SetDefault("replication.enabled", false)
	viper.SetDefault("replication.provider", "gcs")
	viper.SetDefault("replication.bucket", "")
	viper.SetDefault("replication.credentials_file", "")
	viper.SetDefault("replication.database_url", "")
	viper.SetDefault("replication.async", true)
	viper.SetDefault("replication.queue_size", 256)
	viper.SetDefault("replication.batch_size", 32)
	viper.SetDefault("replication.retry_interval", "30s")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Encryption ────────────────────────────────────────────────────────────
	codec, err := buildCodec()
	if err != nil {
		return err
	}
	if codec != nil {
		logger.Info("payload encryption enabled")
	}

	// ── Replication ───────────────────────────────────────────────────────────
	var repl *replicate.Manager
	if viper.GetBool("replication.enabled") {
		remote, err := buildRemoteStore(logger)
		if err != nil {
			return err
		}
		repl = replicate.NewManager(remote, replicate.Config{
			Async:     viper.GetBool("replication.async"),
			QueueSize: viper.GetInt("replication.queue_size"),
			BatchSize: viper.GetInt("replication.batch_size"),
		}, logger)
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	led, err := ledger.Open(ledger.Config{
		Dir:             viper.GetString("ledger.dir"),
		RotateSizeBytes: viper.GetInt64("ledger.rotate_size_bytes"),
	}, codec, repl, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	startCtx := context.Background()
	if res, err := led.Verify(startCtx, 0, -1); err != nil {
		logger.Warn("startup integrity check could not complete", zap.Error(err))
	} else if !res.Valid {
		logger.Error("ledger integrity check FAILED",
			zap.Int("first_broken_index", res.FirstBrokenIndex),
		)
	} else {
		idx, hash := led.Tail()
		logger.Info("ledger verified",
			zap.Int("blocks", idx+1),
			zap.String("tail", hash),
		)
	}

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(server.RateLimiter(rps, rps*2))
	}
	router.Use(metrics.GinMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if led.Halted() {
			status["status"] = "halted"
		} else if led.Degraded() {
			status["status"] = "degraded"
		}
		c.JSON(http.StatusOK, status)
	})
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	server.NewHandler(led, logger).Register(v1)

	// quit has exactly one receiver (main); signal.Notify delivers each
	// signal once, so nothing else may compete for it.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// ── Background: re-drive failed replication uploads ──────────────────────
	retryDone := make(chan struct{})
	if repl != nil {
		interval := viper.GetDuration("replication.retry_interval")
		if interval <= 0 {
			interval = 30 * time.Second
		}
		go retryReplicationLoop(led, interval, retryDone, logger)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", viper.GetInt("server.port")))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown: drain HTTP, then flush the ledger ─────────────────
	<-quit
	logger.Info("shutting down ledgerd...")

	// Stop re-enqueueing before the ledger starts draining the replication
	// queue, so nothing races Close for the queue.
	close(retryDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if err := led.Close(ctx); err != nil {
		logger.Error("ledger close error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}

// retryReplicationLoop periodically re-enqueues failed replication uploads
// until done is closed.
func retryReplicationLoop(led *ledger.Ledger, interval time.Duration, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if n := led.RetryFailedReplication(ctx); n > 0 {
				logger.Info("re-enqueued failed replication uploads", zap.Int("count", n))
			}
			cancel()
		case <-done:
			return
		}
	}
}

// buildCodec assembles the payload codec from a raw hex key or a
// passphrase + salt pair. Returns nil when encryption is disabled.
func buildCodec() (*crypto.Codec, error) {
	if !viper.GetBool("encryption.enabled") {
		return nil, nil
	}

	if rawHex := viper.GetString("encryption.key"); rawHex != "" {
		key, err := hex.DecodeString(rawHex)
		if err != nil {
			return nil, fmt.Errorf("encryption.key must be hex: %w", err)
		}
		return crypto.NewCodec(key)
	}

	passphrase := viper.GetString("encryption.passphrase")
	salt := viper.GetString("encryption.salt")
	if passphrase == "" || salt == "" {
		return nil, errors.New("encryption enabled but no key or passphrase+salt configured")
	}
	return crypto.NewCodec(crypto.DeriveKey(passphrase, []byte(salt)))
}

// buildRemoteStore selects the replication provider.
func buildRemoteStore(logger *zap.Logger) (replicate.RemoteStore, error) {
	ctx := context.Background()
	switch provider := viper.GetString("replication.provider"); provider {
	case "gcs":
		bucket := viper.GetString("replication.bucket")
		if bucket == "" {
			return nil, errors.New("replication.bucket is required for the gcs provider")
		}
		remote, err := replicate.NewGCSStore(ctx, bucket, viper.GetString("replication.credentials_file"))
		if err != nil {
			return nil, err
		}
		logger.Info("replication provider: gcs", zap.String("bucket", bucket))
		return remote, nil

	case "postgres":
		dbURL := viper.GetString("replication.database_url")
		if dbURL == "" {
			return nil, errors.New("replication.database_url is required for the postgres provider")
		}
		remote, err := replicate.NewPostgresStore(ctx, dbURL)
		if err != nil {
			return nil, err
		}
		logger.Info("replication provider: postgres")
		return remote, nil

	default:
		return nil, fmt.Errorf("unknown replication provider %q", provider)
	}
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
