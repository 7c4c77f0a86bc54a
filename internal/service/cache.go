// cache.go — LRU-кэш записей по токену скачивания с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sm_token_cache_hits_total",
		Help: "Общее количество попаданий в кэш токенов скачивания.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sm_token_cache_misses_total",
		Help: "Общее количество промахов кэша токенов скачивания.",
	})
)

// TokenCache — кэш записей по токену. Каждый экземпляр держит свой
// in-memory кэш: устаревшая запись не приводит к отдаче удалённого файла,
// так как скачивание подтверждается условным обновлением счётчика.
type TokenCache struct {
	cache *expirable.LRU[string, *model.FileRecord]
}

// NewTokenCache создаёт кэш на maxSize записей с временем жизни ttl.
// maxSize <= 0 отключает кэш (nil).
func NewTokenCache(maxSize int, ttl time.Duration) *TokenCache {
	if maxSize <= 0 {
		return nil
	}
	return &TokenCache{cache: expirable.NewLRU[string, *model.FileRecord](maxSize, nil, ttl)}
}

// Get возвращает копию записи по токену.
func (c *TokenCache) Get(token string) (*model.FileRecord, bool) {
	if c == nil {
		return nil, false
	}
	val, ok := c.cache.Get(token)
	if ok {
		cacheHitsTotal.Inc()
		return val.Clone(), true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет запись в кэш.
func (c *TokenCache) Set(rec *model.FileRecord) {
	if c == nil {
		return
	}
	c.cache.Add(rec.DownloadToken, rec.Clone())
}

// Delete инвалидирует токен.
func (c *TokenCache) Delete(token string) {
	if c == nil {
		return
	}
	c.cache.Remove(token)
}

// Len возвращает количество записей в кэше.
func (c *TokenCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
