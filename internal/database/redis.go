package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps the Redis client carrying the change feed and the
// cross-instance signaling fan-out. When Redis is unreachable the service
// keeps running in degraded mode: single-instance relay, no change feed.
type RedisClient struct {
	Client       *redis.Client
	degraded     bool
	degradedMu   sync.RWMutex
	healthMetric prometheus.Gauge
}

var (
	redisDegradedGauge prometheus.Gauge
	redisMetricsOnce   sync.Once
)

// InitRedisMetrics registers the Redis health gauge with Prometheus.
// Call once from main before creating clients.
func InitRedisMetrics() {
	redisMetricsOnce.Do(func() {
		redisDegradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_redis_degraded_mode",
			Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
		})
		prometheus.MustRegister(redisDegradedGauge)
	})
}

// NewRedisDB creates a new Redis client from config
func NewRedisDB(cfg *RedisConfig) (*RedisClient, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &RedisClient{
		Client:       client,
		healthMetric: redisDegradedGauge,
	}, nil
}

// Close closes the Redis client connection
func (r *RedisClient) Close() {
	if r != nil && r.Client != nil {
		r.Client.Close()
	}
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedMu.RLock()
	defer r.degradedMu.RUnlock()
	return r.degraded
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.degradedMu.Lock()
	defer r.degradedMu.Unlock()
	r.degraded = degraded
	if r.healthMetric != nil {
		if degraded {
			r.healthMetric.Set(1)
		} else {
			r.healthMetric.Set(0)
		}
	}
}

// HealthCheck pings Redis and updates the degraded state
func (r *RedisClient) HealthCheck(ctx context.Context) bool {
	err := r.Client.Ping(ctx).Err()
	r.setDegraded(err != nil)
	return err == nil
}

// StartHealthCheck starts a background goroutine that periodically checks
// Redis health until ctx is cancelled
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.HealthCheck(ctx)
			}
		}
	}()
}
