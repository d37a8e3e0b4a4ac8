// internal/cache/registry.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/jason-s-yu/trustmatch/internal/pool"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the registry.
const DefaultKeyPrefix = "mm"

// DefaultEntryTTL bounds how long an entry outlives the last write from its owner.
const DefaultEntryTTL = 5 * time.Minute

// pruneScript drops index members whose entry hash has expired. Each member is
// re-checked inside the script so a concurrent rejoin is never removed.
var pruneScript = redis.NewScript(`
local n = 0
for i, member in ipairs(ARGV) do
	if redis.call("EXISTS", KEYS[i + 1]) == 0 then
		n = n + redis.call("ZREM", KEYS[1], member)
	end
end
return n
`)

// RedisRegistry stores the seeking pool in Redis so several matchmaker processes share
// one view. Each game mode has a sorted set scored by trust score; each entry's
// details live in a hash.
//
//	<prefix>:pool:<mode>  ZSET member=playerID score=trustScore
//	<prefix>:entry:<id>   HASH mode, score, skill, enqueued_at, last_active, last_queried, query_count
//	<prefix>:claim:<id>   STRING id of the player that claimed <id>
//	<prefix>:claims       pub/sub channel carrying claimed player IDs
//
// Entry hashes expire entryTTL after the last Join, Touch or MarkQueried, so the pool
// forgets players whose process died; their index members are pruned on read.
type RedisRegistry struct {
	rdb      *redis.Client
	prefix   string
	entryTTL time.Duration
}

var _ pool.Registry = (*RedisRegistry)(nil)

// NewRedisRegistry wraps rdb. An empty prefix uses DefaultKeyPrefix and a non-positive
// entryTTL uses DefaultEntryTTL.
func NewRedisRegistry(rdb *redis.Client, prefix string, entryTTL time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if entryTTL <= 0 {
		entryTTL = DefaultEntryTTL
	}
	return &RedisRegistry{rdb: rdb, prefix: prefix, entryTTL: entryTTL}
}

func (r *RedisRegistry) poolKey(mode string) string {
	return r.prefix + ":pool:" + mode
}

func (r *RedisRegistry) entryKey(id uuid.UUID) string {
	return r.prefix + ":entry:" + id.String()
}

func (r *RedisRegistry) claimKey(id uuid.UUID) string {
	return r.prefix + ":claim:" + id.String()
}

func (r *RedisRegistry) claimChannel() string {
	return r.prefix + ":claims"
}

func (r *RedisRegistry) Join(ctx context.Context, e models.PoolEntry) error {
	// a rejoin may switch modes; drop the old index membership first
	if err := r.Leave(ctx, e.PlayerID); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.entryKey(e.PlayerID), map[string]interface{}{
			"mode":         e.GameMode,
			"score":        e.TrustScore,
			"skill":        e.SkillLevel,
			"enqueued_at":  e.EnqueuedAt.UnixNano(),
			"last_active":  e.LastActive.UnixNano(),
			"last_queried": e.LastQueried.UnixNano(),
			"query_count":  e.QueryCount,
		})
		p.Expire(ctx, r.entryKey(e.PlayerID), r.entryTTL)
		p.ZAdd(ctx, r.poolKey(e.GameMode), redis.Z{Score: e.TrustScore, Member: e.PlayerID.String()})
		p.Del(ctx, r.claimKey(e.PlayerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis join %v: %w", e.PlayerID, err)
	}
	return nil
}

func (r *RedisRegistry) Leave(ctx context.Context, playerID uuid.UUID) error {
	mode, err := r.rdb.HGet(ctx, r.entryKey(playerID), "mode").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis leave %v: %w", playerID, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.poolKey(mode), playerID.String())
		p.Del(ctx, r.entryKey(playerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis leave %v: %w", playerID, err)
	}
	return nil
}

func (r *RedisRegistry) Touch(ctx context.Context, playerID uuid.UUID, at time.Time) error {
	return r.updateIfPresent(ctx, playerID, func(p redis.Pipeliner, key string) {
		p.HSet(ctx, key, "last_active", at.UnixNano())
	})
}

func (r *RedisRegistry) MarkQueried(ctx context.Context, playerID uuid.UUID, at time.Time) error {
	return r.updateIfPresent(ctx, playerID, func(p redis.Pipeliner, key string) {
		p.HSet(ctx, key, "last_queried", at.UnixNano())
		p.HIncrBy(ctx, key, "query_count", 1)
	})
}

// updateIfPresent applies fn only while the entry exists, so a concurrent Leave or
// Claim never resurrects a half-written hash.
func (r *RedisRegistry) updateIfPresent(ctx context.Context, playerID uuid.UUID, fn func(redis.Pipeliner, string)) error {
	key := r.entryKey(playerID)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return pool.ErrNotSeeking
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			fn(p, key)
			p.Expire(ctx, key, r.entryTTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// the entry changed underneath us; the update is best-effort
		return nil
	}
	return err
}

func (r *RedisRegistry) ListSeeking(ctx context.Context, gameMode string) ([]models.PoolEntry, error) {
	ids, err := r.rdb.ZRange(ctx, r.poolKey(gameMode), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", gameMode, err)
	}
	return r.loadEntries(ctx, gameMode, ids)
}

func (r *RedisRegistry) RangeByScore(ctx context.Context, gameMode string, lo, hi float64) ([]models.PoolEntry, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.poolKey(gameMode), &redis.ZRangeBy{
		Min: strconv.FormatFloat(lo, 'f', -1, 64),
		Max: strconv.FormatFloat(hi, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s [%v,%v]: %w", gameMode, lo, hi, err)
	}
	return r.loadEntries(ctx, gameMode, ids)
}

func (r *RedisRegistry) loadEntries(ctx context.Context, gameMode string, ids []string) ([]models.PoolEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.prefix+":entry:"+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load entries: %w", err)
	}

	out := make([]models.PoolEntry, 0, len(ids))
	var expired []string
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			expired = append(expired, ids[i])
			continue
		}
		id, err := uuid.Parse(ids[i])
		if err != nil {
			continue
		}
		out = append(out, decodeEntry(id, gameMode, fields))
	}
	if len(expired) > 0 {
		if err := r.prune(ctx, gameMode, expired); err != nil {
			return out, fmt.Errorf("redis prune %s: %w", gameMode, err)
		}
	}
	return out, nil
}

// prune removes index members whose entry hash expired.
func (r *RedisRegistry) prune(ctx context.Context, gameMode string, members []string) error {
	keys := make([]string, 0, len(members)+1)
	args := make([]interface{}, 0, len(members))
	keys = append(keys, r.poolKey(gameMode))
	for _, m := range members {
		keys = append(keys, r.prefix+":entry:"+m)
		args = append(args, m)
	}
	return pruneScript.Run(ctx, r.rdb, keys, args...).Err()
}

func decodeEntry(id uuid.UUID, gameMode string, f map[string]string) models.PoolEntry {
	score, _ := strconv.ParseFloat(f["score"], 64)
	skill, _ := strconv.Atoi(f["skill"])
	count, _ := strconv.Atoi(f["query_count"])
	return models.PoolEntry{
		PlayerID:    id,
		GameMode:    gameMode,
		TrustScore:  score,
		SkillLevel:  skill,
		EnqueuedAt:  unixNano(f["enqueued_at"]),
		LastActive:  unixNano(f["last_active"]),
		LastQueried: unixNano(f["last_queried"]),
		QueryCount:  count,
	}
}

func unixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Claim removes both entries and records the claim marker on b in one MULTI/EXEC
// guarded by WATCH, so two matchmakers racing for the same player cannot both succeed.
// The owner of b is then notified on the claims channel.
func (r *RedisRegistry) Claim(ctx context.Context, a, b uuid.UUID) (bool, error) {
	if a == b {
		return false, nil
	}
	keyA, keyB := r.entryKey(a), r.entryKey(b)
	claimed := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		modeA, errA := tx.HGet(ctx, keyA, "mode").Result()
		modeB, errB := tx.HGet(ctx, keyB, "mode").Result()
		if errors.Is(errA, redis.Nil) || errors.Is(errB, redis.Nil) {
			return nil
		}
		if errA != nil {
			return errA
		}
		if errB != nil {
			return errB
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, r.poolKey(modeA), a.String())
			p.ZRem(ctx, r.poolKey(modeB), b.String())
			p.Del(ctx, keyA, keyB)
			p.Set(ctx, r.claimKey(b), a.String(), r.entryTTL)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}, keyA, keyB)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis claim %v/%v: %w", a, b, err)
	}
	if claimed {
		// the marker is authoritative; a lost notice is picked up on b's next retry
		_ = r.rdb.Publish(ctx, r.claimChannel(), b.String()).Err()
	}
	return claimed, nil
}

// TakeClaim reads and deletes the claim marker on playerID atomically.
func (r *RedisRegistry) TakeClaim(ctx context.Context, playerID uuid.UUID) (uuid.UUID, bool, error) {
	var get *redis.StringCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, r.claimKey(playerID))
		p.Del(ctx, r.claimKey(playerID))
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis take claim %v: %w", playerID, err)
	}
	by, err := uuid.Parse(get.Val())
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis take claim %v: bad marker %q", playerID, get.Val())
	}
	return by, true, nil
}

// WatchClaims subscribes to the claims channel. The returned channel closes when ctx
// is done or the subscription drops.
func (r *RedisRegistry) WatchClaims(ctx context.Context) (<-chan uuid.UUID, error) {
	ps := r.rdb.Subscribe(ctx, r.claimChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis watch claims: %w", err)
	}

	out := make(chan uuid.UUID, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				id, err := uuid.Parse(msg.Payload)
				if err != nil {
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
