// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

// MemoryStore is an in-memory RecordStore that enforces the same
// terminal-state guard and conditional writes as the Redis implementation.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]domain.Task
	inflight map[string]time.Time
	queued   map[string]time.Time
	history  map[string][]domain.Status

	// Injected failures. PutErrFor fails Put only for the given status.
	CreateErr error
	GetErr    error
	PutErr    error
	PutErrFor map[domain.Status]error

	gets int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]domain.Task),
		inflight:  make(map[string]time.Time),
		queued:    make(map[string]time.Time),
		history:   make(map[string][]domain.Status),
		PutErrFor: make(map[domain.Status]error),
	}
}

func (s *MemoryStore) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if _, ok := s.records[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.records[task.ID] = clone(task)
	s.history[task.ID] = append(s.history[task.ID], task.Status)
	s.index(task)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	t, ok := s.records[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	out := clone(&t)
	return &out, nil
}

func (s *MemoryStore) Put(_ context.Context, task *domain.Task) error {
	return s.put(task, "")
}

func (s *MemoryStore) PutIf(_ context.Context, task *domain.Task, expected domain.Status) error {
	return s.put(task, expected)
}

func (s *MemoryStore) put(task *domain.Task, expected domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	if err, ok := s.PutErrFor[task.Status]; ok {
		return err
	}
	cur, exists := s.records[task.ID]
	if exists && cur.Status.IsTerminal() {
		return &domain.TaskAlreadyProcessedError{TaskID: task.ID, Status: cur.Status}
	}
	if expected != "" && (!exists || cur.Status != expected) {
		return &domain.StatusConflictError{TaskID: task.ID, Expected: expected, Actual: cur.Status}
	}
	s.records[task.ID] = clone(task)
	s.history[task.ID] = append(s.history[task.ID], task.Status)
	s.index(task)
	return nil
}

// index keeps the in-flight and queued sets in step with task's status.
func (s *MemoryStore) index(task *domain.Task) {
	delete(s.inflight, task.ID)
	delete(s.queued, task.ID)
	switch task.Status {
	case domain.StatusStarted:
		started := task.UpdatedAt
		if task.StartedAt != nil {
			started = *task.StartedAt
		}
		s.inflight[task.ID] = started
	case domain.StatusRetry:
		due := task.UpdatedAt
		if task.NextRetryAt != nil {
			due = *task.NextRetryAt
		}
		s.queued[task.ID] = due
	case domain.StatusPending:
		s.queued[task.ID] = task.UpdatedAt
	}
}

func (s *MemoryStore) StartedBefore(_ context.Context, t time.Time, limit int64) ([]string, error) {
	return s.before(s.inflight, t, limit), nil
}

func (s *MemoryStore) QueuedBefore(_ context.Context, t time.Time, limit int64) ([]string, error) {
	return s.before(s.queued, t, limit), nil
}

func (s *MemoryStore) before(set map[string]time.Time, t time.Time, limit int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, at := range set {
		if at.Before(t) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && int64(len(ids)) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (s *MemoryStore) Untrack(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, taskID)
	delete(s.queued, taskID)
	return nil
}

// Seed stores task without any transition checks.
func (s *MemoryStore) Seed(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[task.ID] = clone(task)
	s.index(task)
}

// Record returns a copy of the stored task, or nil.
func (s *MemoryStore) Record(taskID string) *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[taskID]
	if !ok {
		return nil
	}
	out := clone(&t)
	return &out
}

// History lists every status written for taskID, in order.
func (s *MemoryStore) History(taskID string) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Status(nil), s.history[taskID]...)
}

// Gets counts calls to Get.
func (s *MemoryStore) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func clone(t *domain.Task) domain.Task {
	out := *t
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return out
}

// Message is one publish captured by Producer.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Producer records published messages.
type Producer struct {
	mu       sync.Mutex
	Err      error
	ErrFor   map[string]error
	messages []Message
}

func (p *Producer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if err, ok := p.ErrFor[topic]; ok {
		return err
	}
	p.messages = append(p.messages, Message{Topic: topic, Key: key, Value: append([]byte(nil), value...)})
	return nil
}

func (p *Producer) Close() error { return nil }

// Messages returns everything published so far.
func (p *Producer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Topics returns the topic of every published message, in order.
func (p *Producer) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Topic
	}
	return out
}

// WorkItems decodes every message published to topic.
func (p *Producer) WorkItems(topic string) ([]domain.WorkItem, error) {
	var items []domain.WorkItem
	for _, m := range p.Messages() {
		if m.Topic != topic {
			continue
		}
		var item domain.WorkItem
		if err := json.Unmarshal(m.Value, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// AuditRepo records audit writes in memory.
type AuditRepo struct {
	mu         sync.Mutex
	Err        error
	tasks      map[string]domain.Task
	executions []*domain.TaskExecution
}

func (r *AuditRepo) UpsertTask(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.tasks == nil {
		r.tasks = make(map[string]domain.Task)
	}
	r.tasks[task.ID] = clone(task)
	return nil
}

func (r *AuditRepo) RecordAttempt(_ context.Context, exec *domain.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	e := *exec
	r.executions = append(r.executions, &e)
	return nil
}

func (r *AuditRepo) ListAttempts(_ context.Context, taskID string) ([]*domain.TaskExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.TaskExecution
	for _, e := range r.executions {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Task returns the last upserted audit copy of taskID.
func (r *AuditRepo) Task(taskID string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

// Scheduled is one entry in RetryQueue.
type Scheduled struct {
	Item domain.WorkItem
	At   time.Time
}

// RetryQueue is an in-memory retry schedule.
type RetryQueue struct {
	mu    sync.Mutex
	Err   error
	items []Scheduled
}

func (q *RetryQueue) Schedule(_ context.Context, item domain.WorkItem, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.items = append(q.items, Scheduled{Item: item, At: at})
	return nil
}

func (q *RetryQueue) Due(_ context.Context, now time.Time, n int) ([]domain.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].At.Before(q.items[j].At) })
	var due []domain.WorkItem
	var rest []Scheduled
	for _, s := range q.items {
		if !s.At.After(now) && len(due) < n {
			due = append(due, s.Item)
			continue
		}
		rest = append(rest, s)
	}
	q.items = rest
	return due, nil
}

func (q *RetryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Items returns a snapshot of the schedule.
func (q *RetryQueue) Items() []Scheduled {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Scheduled(nil), q.items...)
}
