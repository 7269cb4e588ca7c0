package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 48 * time.Hour

// raiseScript lifts the counter to ARGV[1] without ever lowering it.
var raiseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local target = tonumber(ARGV[1])
if current < target then
	redis.call('SET', KEYS[1], target, 'EX', ARGV[2])
	return target
end
return current
`)

// Redis allocates with INCR so every instance sharing the server draws from
// the same counter.
type Redis struct {
	client redis.UniversalClient
	seed   Seeder
	ttl    time.Duration

	mu     sync.Mutex
	seeded map[key]struct{}
	latest string
}

func NewRedis(client redis.UniversalClient, seed Seeder) *Redis {
	return &Redis{client: client, seed: seed, ttl: defaultRedisTTL, seeded: make(map[key]struct{})}
}

func RedisKey(prefix, day string) string {
	return fmt.Sprintf("qms:seq:%s:%s", prefix, day)
}

func (r *Redis) Next(ctx context.Context, prefix, day string) (int, error) {
	rkey := RedisKey(prefix, day)
	if !r.isSeeded(prefix, day) {
		if err := r.seedKey(ctx, rkey, prefix, day); err != nil {
			return 0, err
		}
		r.markSeeded(prefix, day)
	}

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, rkey)
		pipe.Expire(ctx, rkey, r.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", rkey, err)
	}
	return int(incr.Val()), nil
}

func (r *Redis) Resync(ctx context.Context, prefix, day string) error {
	rkey := RedisKey(prefix, day)
	max, err := r.max(ctx, prefix, day)
	if err != nil {
		return err
	}
	if err := raiseScript.Run(ctx, r.client, []string{rkey}, max, int(r.ttl.Seconds())).Err(); err != nil {
		return fmt.Errorf("resync %s: %w", rkey, err)
	}
	r.markSeeded(prefix, day)
	return nil
}

// Len reports how many keys are marked seeded.
func (r *Redis) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seeded)
}

func (r *Redis) isSeeded(prefix, day string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seeded[key{prefix: prefix, day: day}]
	return ok
}

func (r *Redis) markSeeded(prefix, day string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if day > r.latest {
		for old := range r.seeded {
			if old.day < day {
				delete(r.seeded, old)
			}
		}
		r.latest = day
	}
	r.seeded[key{prefix: prefix, day: day}] = struct{}{}
}

func (r *Redis) seedKey(ctx context.Context, rkey, prefix, day string) error {
	max, err := r.max(ctx, prefix, day)
	if err != nil {
		return err
	}
	if err := r.client.SetNX(ctx, rkey, max, r.ttl).Err(); err != nil {
		return fmt.Errorf("seed %s: %w", rkey, err)
	}
	return nil
}

func (r *Redis) max(ctx context.Context, prefix, day string) (int, error) {
	if r.seed == nil {
		return 0, nil
	}
	return r.seed.MaxNumber(ctx, prefix, day)
}
