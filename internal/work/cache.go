package work

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
)

const cacheKeyPrefix = "nanoflow:work:"

// Cache stores precomputed work in Redis keyed by the root it was generated
// for. Entries are single use: Take removes what it returns, since a work
// value is spent the moment a block built on that root is published.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache connects to Redis at url. ttl bounds how long unclaimed entries
// survive; zero means no expiry.
func NewCache(url string, ttl time.Duration, logger *log.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "work.cache", "invalid redis URL")
	}

	return &Cache{
		rdb:    redis.NewClient(opts),
		ttl:    ttl,
		logger: logger.WithComponent("work_cache"),
	}, nil
}

// Take removes and returns the cached work for root, if any.
func (c *Cache) Take(ctx context.Context, root nano.BlockHash) (nano.Work, bool, error) {
	v, err := c.rdb.GetDel(ctx, cacheKeyPrefix+root.Hex()).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, errors.KindNetwork, "work.cache", "cache read failed")
	}

	w, err := nano.WorkFromHex(v)
	if err != nil {
		// A corrupt entry is unusable; it is already deleted.
		c.logger.WithError(err).Warn("discarding corrupt cached work")
		return 0, false, nil
	}

	return w, true, nil
}

// Put stores work for root so a later submission on the same frontier can
// skip the search.
func (c *Cache) Put(ctx context.Context, root nano.BlockHash, w nano.Work) error {
	err := c.rdb.Set(ctx, cacheKeyPrefix+root.Hex(), w.Hex(), c.ttl).Err()
	if err != nil {
		return errors.Wrap(err, errors.KindNetwork, "work.cache", "cache write failed")
	}
	return nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
