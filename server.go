package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
	"bitbucket.org/mmdatafocus/rollstock_backend/models"
	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
	"bitbucket.org/mmdatafocus/rollstock_backend/workflow"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// respondError maps the error taxonomy onto HTTP statuses. Validation
// failures are the caller's fault (400), missing buckets/entries/products
// are 404, lock and serialization losses are 409, everything else is 500
// with the detail kept out of the response body.
func respondError(c *gin.Context, err error) {
	logger := config.GetLogger()
	kind := utils.KindOf(err)
	status := http.StatusInternalServerError
	message := err.Error()
	switch kind {
	case utils.ErrorKindValidation:
		status = http.StatusBadRequest
	case utils.ErrorKindNotFound:
		status = http.StatusNotFound
	case utils.ErrorKindConflict:
		status = http.StatusConflict
	default:
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"field":          "respondError",
			"path":           c.Request.URL.Path,
			"correlation_id": cid,
		}).Error(message)
		message = "internal error"
	}
	c.JSON(status, gin.H{
		"error_kind": string(kind),
		"message":    message,
	})
}

func splitEligibilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entryId := strings.TrimSpace(c.Query("entry_id"))
		bucketKey := strings.TrimSpace(c.Query("bucket_key"))
		result, err := models.CheckSplitEligibility(c.Request.Context(), entryId, bucketKey)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func splitOptionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productCode := strings.TrimSpace(c.Query("product_code"))
		if productCode == "" {
			respondError(c, utils.ValidationError("product_code is required"))
			return
		}
		remainingWidth, err := strconv.Atoi(strings.TrimSpace(c.Query("remaining_width")))
		if err != nil {
			respondError(c, utils.ValidationError("remaining_width must be an integer"))
			return
		}
		isFirstRow := strings.EqualFold(strings.TrimSpace(c.Query("first_row")), "true")
		options, err := models.ResolveSplitOptions(c.Request.Context(), productCode, remainingWidth, isFirstRow)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"options": options})
	}
}

func executeSplitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		var input models.NewInventorySplit
		if err := c.ShouldBindJSON(&input); err != nil {
			if fields := utils.ProcessValidationErrors(err); len(fields) > 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error_kind": string(utils.ErrorKindValidation),
					"message":    "invalid request",
					"fields":     fields,
				})
				return
			}
			respondError(c, utils.ValidationError("invalid request body"))
			return
		}

		// Redis lock is a best-effort optimization: the MySQL advisory lock
		// and the FOR UPDATE aggregate read inside ExecuteInventorySplit are
		// what actually serialize concurrent splits. If Redis is down or the
		// lock cannot be obtained we proceed anyway.
		var lock *redislock.Lock
		if config.SplitRedisGuardEnabled() {
			guardKey := input.BucketKey
			if guardKey == "" {
				guardKey = input.EntryId
			}
			redisLock := config.GetRedisLock()
			if redisLock == nil {
				logger.WithFields(logrus.Fields{
					"field":     "executeSplitHandler",
					"guard_key": guardKey,
				}).Warn("redis lock not ready; proceeding without redis lock")
			} else {
				var lockErr error
				lock, lockErr = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("split-guard:%s", guardKey), 30*time.Second, nil)
				if lockErr == redislock.ErrNotObtained {
					logger.WithFields(logrus.Fields{
						"field":     "executeSplitHandler",
						"guard_key": guardKey,
					}).Warn("could not obtain redis lock; proceeding without redis lock")
					lock = nil
				} else if lockErr != nil {
					logger.WithFields(logrus.Fields{
						"field":     "executeSplitHandler",
						"guard_key": guardKey,
					}).Warn("error obtaining redis lock; proceeding without redis lock: " + lockErr.Error())
					lock = nil
				}
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field": "executeSplitHandler",
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		result, err := models.ExecuteInventorySplit(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"consumed_entry_id": result.ConsumedEntryId,
			"bucket_key":        result.BucketKey,
			"requested_area":    result.RequestedArea,
			"breakdown":         result.Breakdown,
			"outbox_id":         result.OutboxId,
			"correlation_id":    cid,
		})
	}
}

func bucketEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bucketKey := strings.TrimSpace(c.Query("bucket_key"))
		if bucketKey == "" {
			respondError(c, utils.ValidationError("bucket_key is required"))
			return
		}
		db := config.GetDB()
		entries, err := models.ListBucketEntries(db.WithContext(c.Request.Context()), bucketKey)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"bucket_key": models.NormalizeBucketKeyString(bucketKey),
			"entries":    entries,
		})
	}
}

func productAttributeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.TrimSpace(c.Param("code"))
		attr, err := models.GetProductAttribute(c.Request.Context(), code)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, attr)
	}
}

// authorizeInternalOps gates ops endpoints on a shared token. The token is
// provisioned via Secret Manager in deployed environments.
func authorizeInternalOps(c *gin.Context) bool {
	want := strings.TrimSpace(os.Getenv("INTERNAL_OPS_TOKEN"))
	if want == "" {
		return false
	}
	got := strings.TrimSpace(c.GetHeader("x-internal-token"))
	return got != "" && got == want
}

type outboxReplayRequest struct {
	BucketKey string `json:"bucket_key"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorizeInternalOps(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		reset, err := workflow.ReplayOutboxRecords(c.Request.Context(), db, req.BucketKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"bucket_key": req.BucketKey,
			"reset":      reset,
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
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

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/v1/splits/eligibility", splitEligibilityHandler())
	r.GET("/v1/splits/options", splitOptionsHandler())
	r.POST("/v1/splits", executeSplitHandler())
	r.GET("/v1/buckets/entries", bucketEntriesHandler())
	r.GET("/v1/products/:code", productAttributeHandler())
	// Ops tooling: reset FAILED/DEAD outbox rows so the dispatcher retries them.
	r.POST("/v1/outbox/replay", outboxReplayHandler())
	r.NoRoute(customNotFoundHandler)

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
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.PublishSplitEvents() {
		go workflow.NewSplitOutboxDispatcher(db, logger).Run(dispatcherCtx)
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
