package redis_repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/mohammad-safakhou/quizzer/internal/helpers"
	"github.com/mohammad-safakhou/quizzer/models"
	"github.com/redis/go-redis/v9"
)

const pageKeyPrefix = "page:"

// redisPageCache implements PageCache using Redis
type redisPageCache struct {
	client *redis.Client
}

func (r redisPageCache) SavePage(ctx context.Context, page models.CachedPage, ttl time.Duration) error {
	key := pageKey(page.URL)

	// Marshal the page struct to JSON before storing
	data, err := json.Marshal(page)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r redisPageCache) GetPage(ctx context.Context, url string) (models.CachedPage, error) {
	key := pageKey(url)

	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.CachedPage{}, models.ErrPageNotFound
		}
		return models.CachedPage{}, err
	}

	var page models.CachedPage
	if err := json.Unmarshal([]byte(val), &page); err != nil {
		return models.CachedPage{}, err
	}

	return page, nil
}

func (r redisPageCache) DeletePage(ctx context.Context, url string) error {
	key := pageKey(url)

	err := r.client.Del(ctx, key).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.ErrPageNotFound
		}
		return err
	}

	return nil
}

// pageKey hashes the canonical form of the URL so equivalent spellings of a
// target (host case, default port, fragment, query order) share one cache
// entry, and arbitrarily long targets stay within key limits.
func pageKey(url string) string {
	fp, err := helpers.URLFingerprint(url)
	if err != nil {
		sum := sha256.Sum256([]byte(url))
		fp = hex.EncodeToString(sum[:])
	}
	return pageKeyPrefix + fp
}

func NewRedisPageCache(client *redis.Client) *redisPageCache {
	return &redisPageCache{
		client: client,
	}
}
