// ratelimit.go — ограничение частоты запросов со скользящим окном в Redis.
//
// Окно хранится в sorted set: score — время запроса в мс. Проверка и
// добавление выполняются одним Lua-скриптом. При ошибке Redis запрос
// пропускается (fail-open).
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	apierrors "github.com/bigkaa/goartstore/share-module/internal/api/errors"
)

var rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sm_rate_limited_total",
	Help: "Общее количество запросов, отклонённых ограничением частоты",
}, []string{"scope"})

// slidingWindowScript: KEYS[1] — ключ окна; ARGV: now_ms, window_start_ms, limit, window_ms.
// Возвращает {allowed, remaining, reset_at_ms}.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local current = redis.call('ZCARD', key)

	if current < limit then
		local counter = redis.call('INCR', key .. ':seq')
		redis.call('ZADD', key, now, now .. ':' .. counter)
		local expire_seconds = math.ceil(window_ms / 1000)
		redis.call('EXPIRE', key, expire_seconds)
		redis.call('EXPIRE', key .. ':seq', expire_seconds)
		return {1, limit - current - 1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset_at = 0
	if oldest and #oldest >= 2 then
		reset_at = tonumber(oldest[2]) + window_ms
	end
	return {0, 0, reset_at}
`)

// RateLimitResult — результат проверки лимита.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// Limiter — ограничитель частоты запросов на Redis.
type Limiter struct {
	client    redis.Scripter
	keyPrefix string
	logger    *slog.Logger
	now       func() time.Time
}

// NewLimiter создаёт ограничитель. keyPrefix отделяет ключи сервиса в общем Redis.
func NewLimiter(client redis.Scripter, keyPrefix string, logger *slog.Logger) *Limiter {
	return &Limiter{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(slog.String("component", "rate_limiter")),
		now:       time.Now,
	}
}

// Allow учитывает запрос по ключу key и сообщает, укладывается ли он в лимит.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	now := l.now()
	nowMs := now.UnixMilli()

	res, err := slidingWindowScript.Run(ctx, l.client, []string{l.keyPrefix + key},
		nowMs, now.Add(-window).UnixMilli(), limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: скрипт лимита: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redis: неожиданная длина ответа %d", len(res))
	}

	resetAt := now.Add(window)
	if res[2] > 0 {
		resetAt = time.UnixMilli(res[2])
	}

	return &RateLimitResult{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   resetAt,
		Limit:     limit,
	}, nil
}

// Middleware ограничивает запросы одного клиента (по IP) в пределах scope.
// limit <= 0 или nil-ограничитель (Redis не настроен) выключают ограничение.
func (l *Limiter) Middleware(scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + clientIP(r)

			res, err := l.Allow(r.Context(), key, limit, window)
			if err != nil {
				l.logger.Error("Ошибка проверки лимита, запрос пропущен",
					slog.String("scope", scope),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				rateLimitedTotal.WithLabelValues(scope).Inc()
				retry := time.Until(res.ResetAt)
				if retry < time.Second {
					retry = time.Second
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				l.logger.Warn("Превышен лимит запросов",
					slog.String("scope", scope),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.RateLimited(w, "Слишком много запросов, повторите позже")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP возвращает IP клиента без порта.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
