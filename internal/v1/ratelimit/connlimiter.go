package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/miuchi/chat-server/internal/v1/logging"
	"github.com/miuchi/chat-server/internal/v1/metrics"
)

// ConnectionLimiter throttles upgrade attempts per client IP before any
// authentication work is done. Distinct from the per-connection permit
// pool, which governs frames on an established socket.
type ConnectionLimiter struct {
	wsIP  *limiter.Limiter
	store limiter.Store
}

// NewConnectionLimiter builds the limiter from a ulule rate format (for
// example "100-M"). With a redis client the limit is shared across
// instances; without one it falls back to a per-process memory store.
func NewConnectionLimiter(rateFormat string, redisClient *redis.Client) (*ConnectionLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(rateFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:ws:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &ConnectionLimiter{
		wsIP:  limiter.New(store, rate),
		store: store,
	}, nil
}

// CheckUpgrade enforces the per-IP connect rate. Returns true if the
// upgrade may proceed; on a reached limit it writes 429 itself. Store
// failures fail open: availability beats strictness here.
func (cl *ConnectionLimiter) CheckUpgrade(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	ipContext, err := cl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.UpgradeRejections.WithLabelValues("ip_rate").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
