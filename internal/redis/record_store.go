package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

// DefaultRecordTTL is how long a task record stays readable after its last write.
const DefaultRecordTTL = 24 * time.Hour

// inflightKey indexes STARTED records by start time; queuedKey indexes
// PENDING and RETRY records by the time they are due to be picked up.
const (
	inflightKey = "task:inflight"
	queuedKey   = "task:queued"
)

func stateKey(taskID string) string  { return "task:state:" + taskID }
func recordKey(taskID string) string { return "task:record:" + taskID }

// createScript writes a new record only if no record exists for the id.
var createScript = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 1 then
		return 0
	end
	redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[3])
	redis.call("set", KEYS[2], ARGV[2], "PX", ARGV[3])
	redis.call("zadd", KEYS[3], ARGV[5], ARGV[4])
	return 1
`)

// putScript overwrites a record unless the stored status is terminal, in
// which case it returns that status. With ARGV[6] set the write also requires
// the stored status to equal it, and a mismatch returns "!" plus the stored
// status. Each id sits in at most one of the two indexes.
var putScript = redis.NewScript(`
	local cur = redis.call("get", KEYS[1])
	if cur == "SUCCESS" or cur == "FAILURE" then
		return cur
	end
	if ARGV[6] ~= "" and cur ~= ARGV[6] then
		return "!" .. (cur or "")
	end
	redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[3])
	redis.call("set", KEYS[2], ARGV[2], "PX", ARGV[3])
	if ARGV[1] == "STARTED" then
		redis.call("zadd", KEYS[3], ARGV[5], ARGV[4])
		redis.call("zrem", KEYS[4], ARGV[4])
	elseif ARGV[1] == "PENDING" or ARGV[1] == "RETRY" then
		redis.call("zadd", KEYS[4], ARGV[7], ARGV[4])
		redis.call("zrem", KEYS[3], ARGV[4])
	else
		redis.call("zrem", KEYS[3], ARGV[4])
		redis.call("zrem", KEYS[4], ARGV[4])
	end
	return ""
`)

// RecordStore holds the authoritative TaskRecord for every submitted task.
type RecordStore interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	Put(ctx context.Context, task *domain.Task) error
	// PutIf writes task only if the stored status is still expected. It
	// returns *domain.StatusConflictError otherwise.
	PutIf(ctx context.Context, task *domain.Task, expected domain.Status) error
	// StartedBefore returns ids of tasks that entered STARTED before t and
	// have not been written since.
	StartedBefore(ctx context.Context, t time.Time, limit int64) ([]string, error)
	// QueuedBefore returns ids of PENDING tasks last written before t and
	// RETRY tasks whose retry was due before t.
	QueuedBefore(ctx context.Context, t time.Time, limit int64) ([]string, error)
	// Untrack drops an id from both indexes without touching its record.
	Untrack(ctx context.Context, taskID string) error
}

type recordStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRecordStore creates a Redis-backed RecordStore. A zero ttl means
// DefaultRecordTTL.
func NewRecordStore(client *redis.Client, ttl time.Duration) RecordStore {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &recordStore{client: client, ttl: ttl}
}

func (s *recordStore) Create(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	created, err := createScript.Run(ctx, s.client,
		[]string{stateKey(task.ID), recordKey(task.ID), queuedKey},
		string(task.Status), data, s.ttl.Milliseconds(), task.ID, queuedScore(task),
	).Int()
	if err != nil {
		return fmt.Errorf("redis create record for %s: %w", task.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return nil
}

func (s *recordStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, recordKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get record for %s: %w", taskID, err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal record for %s: %w", taskID, err)
	}
	return &task, nil
}

func (s *recordStore) Put(ctx context.Context, task *domain.Task) error {
	return s.put(ctx, task, "")
}

func (s *recordStore) PutIf(ctx context.Context, task *domain.Task, expected domain.Status) error {
	return s.put(ctx, task, expected)
}

func (s *recordStore) put(ctx context.Context, task *domain.Task, expected domain.Status) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	var startedAt int64
	if task.StartedAt != nil {
		startedAt = task.StartedAt.UnixMilli()
	}
	prev, err := putScript.Run(ctx, s.client,
		[]string{stateKey(task.ID), recordKey(task.ID), inflightKey, queuedKey},
		string(task.Status), data, s.ttl.Milliseconds(), task.ID, startedAt,
		string(expected), queuedScore(task),
	).Text()
	if err != nil {
		return fmt.Errorf("redis put record for %s: %w", task.ID, err)
	}
	switch {
	case prev == "":
		return nil
	case strings.HasPrefix(prev, "!"):
		return &domain.StatusConflictError{TaskID: task.ID, Expected: expected, Actual: domain.Status(prev[1:])}
	default:
		return &domain.TaskAlreadyProcessedError{TaskID: task.ID, Status: domain.Status(prev)}
	}
}

// queuedScore is when a waiting task is due: the retry time for RETRY,
// otherwise the last write.
func queuedScore(task *domain.Task) int64 {
	if task.Status == domain.StatusRetry && task.NextRetryAt != nil {
		return task.NextRetryAt.UnixMilli()
	}
	return task.UpdatedAt.UnixMilli()
}

func (s *recordStore) StartedBefore(ctx context.Context, t time.Time, limit int64) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", t.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range in-flight tasks: %w", err)
	}
	return ids, nil
}

func (s *recordStore) QueuedBefore(ctx context.Context, t time.Time, limit int64) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, queuedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", t.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range queued tasks: %w", err)
	}
	return ids, nil
}

func (s *recordStore) Untrack(ctx context.Context, taskID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightKey, taskID)
		pipe.ZRem(ctx, queuedKey, taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis untrack %s: %w", taskID, err)
	}
	return nil
}
