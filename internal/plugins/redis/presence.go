package redis

import (
	"context"
	"time"

	"github.com/dkeye/Beacon/internal/domain"
	"github.com/redis/go-redis/v9"
)

const onlineKeyPrefix = "beacon:online:"

// PresenceStore mirrors the registry's online flag into Redis for other
// services to read. Keys carry a TTL so flags left behind by an unclean
// shutdown expire on their own; live sessions refresh the key on every
// ping tick.
type PresenceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPresenceStore(rdb *redis.Client, ttl time.Duration) *PresenceStore {
	return &PresenceStore{rdb: rdb, ttl: ttl}
}

func (p *PresenceStore) MarkOnline(ctx context.Context, id domain.UserID, online bool) error {
	key := onlineKeyPrefix + string(id)
	if online {
		return p.rdb.Set(ctx, key, "1", p.ttl).Err()
	}
	return p.rdb.Del(ctx, key).Err()
}
