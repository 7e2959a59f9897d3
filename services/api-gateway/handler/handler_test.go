package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/notifier"
	"github.com/zianncupcake/myfoods-backend/internal/queue"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/internal/testutil"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeLimiter struct {
	mu    sync.Mutex
	allow bool
	err   error
	keys  []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return l.allow, l.err
}
func (l *fakeLimiter) Limit() int { return 30 }

// ── helpers ───────────────────────────────────────────────────────────────────

type gateway struct {
	store *testutil.MemoryStore
	prod  *testutil.Producer
	srv   *httptest.Server
}

func newGateway(t *testing.T, limiter *fakeLimiter, checks ...telemetry.Check) *gateway {
	t.Helper()
	g := &gateway{store: testutil.NewMemoryStore(), prod: &testutil.Producer{}}
	logger := slog.Default()

	sub := queue.NewSubmitter(g.store, g.prod, logger)
	n := notifier.New(g.store, logger, notifier.WithPollInterval(5*time.Millisecond))

	var lim redisstore.RateLimiter
	if limiter != nil {
		lim = limiter
	}
	rest := NewREST(sub, n, lim, logger, checks...)
	g.srv = httptest.NewServer(NewRouter(rest, NewWS(n, nil, logger), logger))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) submit(t *testing.T, body string) (*http.Response, SubmitURLResponse) {
	t.Helper()
	resp, err := http.Post(g.srv.URL+"/submit_url", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out SubmitURLResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (g *gateway) poll(t *testing.T, id string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(g.srv.URL + "/task_status/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&raw)
	return resp.StatusCode, raw
}

func (g *gateway) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/task_status/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// complete drives a stored task through STARTED to SUCCESS.
func complete(store *testutil.MemoryStore, id string) error {
	task := store.Record(id)
	if task == nil {
		return errors.New("no record for " + id)
	}
	now := time.Now().UTC()
	task.Status = domain.StatusStarted
	task.AttemptCount = 1
	task.StartedAt = &now
	if err := store.Put(context.Background(), task); err != nil {
		return err
	}
	task.Status = domain.StatusSuccess
	task.Result = json.RawMessage(`{"desc":"hi","creator":"x","imageUrl":"http://img","r2ImageUrl":"https://cdn/images/` + id + `/u.jpg"}`)
	task.CompletedAt = &now
	return store.Put(context.Background(), task)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSubmitURL_Accepted_ThenPollIsPending(t *testing.T) {
	g := newGateway(t, nil)

	resp, out := g.submit(t, `{"url":"https://www.tiktok.com/@x/video/123"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, out.TaskID)
	assert.Equal(t, "URL received and queued for processing.", out.Message)

	code, raw := g.poll(t, out.TaskID)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"task_id":"`+out.TaskID+`","status":"PENDING","result":null}`, string(raw))
}

func TestSubmitURL_BadRequests(t *testing.T) {
	g := newGateway(t, nil)
	for _, body := range []string{
		`not json`,
		`{}`,
		`{"url":""}`,
		`{"url":"notaurl"}`,
		`{"url":"ftp://example.com/file"}`,
	} {
		resp, _ := g.submit(t, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, g.prod.Messages())
}

func TestSubmitURL_QueueDown_Returns500(t *testing.T) {
	g := newGateway(t, nil)
	g.prod.Err = errors.New("kafka: connection refused")

	resp, err := http.Post(g.srv.URL+"/submit_url", "application/json",
		strings.NewReader(`{"url":"https://youtu.be/abc"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "Failed to queue URL")
}

func TestSubmitURL_RateLimited(t *testing.T) {
	limiter := &fakeLimiter{allow: false}
	g := newGateway(t, limiter)

	resp, _ := g.submit(t, `{"url":"https://youtu.be/abc"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Len(t, limiter.keys, 1)
	assert.Equal(t, "127.0.0.1", limiter.keys[0])
	assert.Empty(t, g.prod.Messages())
}

func TestSubmitURL_LimiterErrorFailsOpen(t *testing.T) {
	g := newGateway(t, &fakeLimiter{err: errors.New("redis down")})
	resp, _ := g.submit(t, `{"url":"https://youtu.be/abc"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestGetTaskStatus_NotFound(t *testing.T) {
	g := newGateway(t, nil)
	code, _ := g.poll(t, "does-not-exist")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetTaskStatus_TerminalIsIdempotent(t *testing.T) {
	g := newGateway(t, nil)
	_, out := g.submit(t, `{"url":"https://www.tiktok.com/@x/video/123"}`)
	require.NoError(t, complete(g.store, out.TaskID))

	_, first := g.poll(t, out.TaskID)
	_, second := g.poll(t, out.TaskID)
	assert.Equal(t, first, second)
	assert.Contains(t, string(first), `"r2ImageUrl"`)
}

func TestReadyz(t *testing.T) {
	ok := newGateway(t, nil, func(context.Context) error { return nil })
	resp, err := http.Get(ok.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newGateway(t, nil, func(context.Context) error { return errors.New("redis down") })
	resp, err = http.Get(down.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWS_PushesTerminalThenCloses(t *testing.T) {
	g := newGateway(t, nil)
	_, out := g.submit(t, `{"url":"https://www.tiktok.com/@x/video/123"}`)

	conn := g.dial(t, out.TaskID)
	go func() {
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, complete(g.store, out.TaskID))
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var p notifier.StatusPayload
	require.NoError(t, conn.ReadJSON(&p))
	assert.Equal(t, "SUCCESS", p.Status)
	assert.Equal(t, out.TaskID, p.TaskID)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWS_UnknownTaskGetsErrorPayload(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t, "missing")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var p notifier.StatusPayload
	require.NoError(t, conn.ReadJSON(&p))
	assert.Equal(t, notifier.StatusError, p.Status)
}

func TestWS_ClientDisconnectStopsPolling(t *testing.T) {
	g := newGateway(t, nil)
	_, out := g.submit(t, `{"url":"https://youtu.be/abc"}`)

	conn := g.dial(t, out.TaskID)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, conn.Close())

	// Let the read pump observe the close and the watch loop exit.
	time.Sleep(50 * time.Millisecond)
	reads := g.store.Gets()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, reads, g.store.Gets(), "store polled after client disconnect")
}
