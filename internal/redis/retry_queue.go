package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

const retryKey = "scrape:retries"

// claimScript pops up to ARGV[2] members whose score is <= ARGV[1]. Reading
// and removing in one script means two schedulers never claim the same item.
var claimScript = redis.NewScript(`
	local items = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	if #items > 0 then
		redis.call("zrem", KEYS[1], unpack(items))
	end
	return items
`)

// RetryQueue holds work items waiting out their retry delay.
type RetryQueue interface {
	Schedule(ctx context.Context, item domain.WorkItem, at time.Time) error
	Due(ctx context.Context, now time.Time, n int) ([]domain.WorkItem, error)
	Len(ctx context.Context) (int64, error)
}

type retryQueue struct {
	client *redis.Client
}

// NewRetryQueue returns a RetryQueue backed by a Redis sorted set scored by
// due time in unix milliseconds.
func NewRetryQueue(client *redis.Client) RetryQueue {
	return &retryQueue{client: client}
}

func (q *retryQueue) Schedule(ctx context.Context, item domain.WorkItem, at time.Time) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item %s: %w", item.TaskID, err)
	}
	err = q.client.ZAdd(ctx, retryKey, redis.Z{Score: float64(at.UnixMilli()), Member: data}).Err()
	if err != nil {
		return fmt.Errorf("redis schedule retry for %s: %w", item.TaskID, err)
	}
	return nil
}

func (q *retryQueue) Due(ctx context.Context, now time.Time, n int) ([]domain.WorkItem, error) {
	raw, err := claimScript.Run(ctx, q.client, []string{retryKey},
		strconv.FormatInt(now.UnixMilli(), 10), n,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis claim due retries: %w", err)
	}

	items := make([]domain.WorkItem, 0, len(raw))
	for _, r := range raw {
		var item domain.WorkItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			// A malformed member has already been removed; nothing can run it.
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *retryQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, retryKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis retry queue length: %w", err)
	}
	return n, nil
}
