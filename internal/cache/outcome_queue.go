// internal/cache/outcome_queue.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultOutcomeQueue is the Redis list that carries finished-game signals.
const DefaultOutcomeQueue = "trustmatch_outcomes"

// OutcomeQueue moves GameOutcome records from the game-round service to the historian.
type OutcomeQueue struct {
	rdb  *redis.Client
	name string
}

func NewOutcomeQueue(rdb *redis.Client, name string) *OutcomeQueue {
	if name == "" {
		name = DefaultOutcomeQueue
	}
	return &OutcomeQueue{rdb: rdb, name: name}
}

// Publish serializes the outcome to JSON and pushes it onto the queue.
func (q *OutcomeQueue) Publish(ctx context.Context, o models.GameOutcome) error {
	if o.Timestamp == 0 {
		o.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal GameOutcome: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// Pop blocks up to timeout for the next outcome. It returns (nil, nil) on timeout.
func (q *OutcomeQueue) Pop(ctx context.Context, timeout time.Duration) (*models.GameOutcome, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res[0] is the queue name and res[1] the payload.
	if len(res) < 2 {
		return nil, nil
	}
	var o models.GameOutcome
	if err := json.Unmarshal([]byte(res[1]), &o); err != nil {
		return nil, fmt.Errorf("invalid outcome record: %w", err)
	}
	return &o, nil
}

// Len reports the number of queued outcomes.
func (q *OutcomeQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}
