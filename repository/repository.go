package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	"github.com/mohammad-safakhou/quizzer/models"
	"github.com/mohammad-safakhou/quizzer/repository/redis_repository"
)

// PageCache defines the interface for rendered page caching
type PageCache interface {
	SavePage(ctx context.Context, page models.CachedPage, ttl time.Duration) error
	GetPage(ctx context.Context, url string) (models.CachedPage, error)
	DeletePage(ctx context.Context, url string) error
}

type RepoType string

const (
	RepoTypeRedis = "redis"
)

func NewPageCache(ctx context.Context, t RepoType, cfg config.RedisConfig) (PageCache, error) {
	switch t {
	case RepoTypeRedis:
		c, err := redis_repository.Conn(ctx, cfg.Host, cfg.Port, cfg.Password, cfg.DB, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return redis_repository.NewRedisPageCache(c), nil
	}
	return nil, fmt.Errorf("invalid repository type: %s", t)
}
