package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/internal/api/handlers"
	"github.com/wonny/tradeflow/internal/joblog"
	"github.com/wonny/tradeflow/internal/output"
	"github.com/wonny/tradeflow/internal/partition"
	"github.com/wonny/tradeflow/internal/pipeline"
	"github.com/wonny/tradeflow/internal/reference"
	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/redis"
	"github.com/wonny/tradeflow/pkg/storage"
)

const tape = "stock_code,buyer_broker,seller_broker,volume,price,trx_code,board,trx_time,buyer_type,seller_type,buyer_order,seller_order\n" +
	"ABCD,XY,ZZ,100,1000,T1,RG,09:00:01,I,A,1,2\n" +
	"EFGH,WW,XY,200,500,T2,RG,09:00:02,A,I,3,4\n"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testAPI struct {
	handler http.Handler
	sink    *joblog.Memory
	runner  *pipeline.Runner
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()

	b := storage.Wrap(memblob.OpenBucket(nil), 0, 0, log)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.WriteAll(ctx, "raw/20250102/trades.csv", []byte(tape), "text/csv"))
	require.NoError(t, b.WriteAll(ctx, "reference/sectors.csv", []byte("sector,stock_code\nFINANCE,ABCD\nENERGY,EFGH\n"), "text/csv"))

	rc := redis.Disabled()
	cache := partition.NewCache(b, "raw", partition.Options{}, log)
	ref := reference.NewCache(reference.NewLoader(b, "reference", log), redis.NewCache(rc, "tradeflow"), "reference", time.Hour, log)
	sink := joblog.NewMemory()
	runner := pipeline.NewRunner(cache, output.NewWriter(b, "summary", log), ref, sink, pipeline.Options{BatchSize: 1}, log)

	runs := handlers.NewRunHandler(ctx, runner, aggregate.NewCatalog(nil), sink,
		redis.NewRateLimiter(rc, "tradeflow"), redis.NewCache(rc, "tradeflow"), log)
	progress := handlers.NewProgressHandler(runner.Tracker(), redis.NewCache(rc, "tradeflow"), 10*time.Millisecond, log)
	health := handlers.NewHealthHandler(nil, rc, cache, log)

	return &testAPI{
		handler: NewRouter(runs, progress, health, log),
		sink:    sink,
		runner:  runner,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec, _ := a.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"partitionCache"`)
}

func TestListFlavors(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, "GET", "/api/flavors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		Count int                   `json:"count"`
		Items []handlers.FlavorItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Equal(t, 56, all.Count)

	rec, env = a.do(t, "GET", "/api/flavors?feature=origin_flow", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Equal(t, 8, all.Count)
	assert.Equal(t, "stock_market", all.Items[0].Dimension)

	rec, _ = a.do(t, "GET", "/api/flavors?feature=nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrigger_Validation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", "{"},
		{"nothing requested", `{}`},
		{"unknown feature", `{"feature":"nope"}`},
		{"unknown flavor", `{"flavors":["broker_summary_xx"]}`},
		{"bad date", `{"feature":"market_broker","dates":["2025-01-02"]}`},
		{"bad range", `{"feature":"market_broker","from":"20250105","to":"20250101"}`},
		{"negative limit", `{"feature":"market_broker","limit":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := a.do(t, "POST", "/api/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestTrigger_RunsInBackground(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(t, "POST", "/api/runs", `{"feature":"market_broker","from":"20250101"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started struct {
		RunID int64 `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	require.NotZero(t, started.RunID)

	require.Eventually(t, func() bool {
		e, err := a.sink.Get(context.Background(), started.RunID)
		return err == nil && e.Status == joblog.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	path := "/api/runs/" + strconv.FormatInt(started.RunID, 10)
	rec, env = a.do(t, "GET", path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry joblog.Entry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, joblog.TriggerAPI, entry.Trigger)
	assert.Equal(t, 12, entry.Counts.Total)

	rec, env = a.do(t, "GET", path+"/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, pipeline.StateCompleted, snap.State)

	rec, _ = a.do(t, "GET", "/api/runs?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	// finished runs cannot be cancelled
	rec, _ = a.do(t, "POST", path+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRuns_NotFound(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/api/runs/999", "/api/runs/999/progress", "/api/runs/abc", "/nope"} {
		rec, _ := a.do(t, "GET", path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec, _ := a.do(t, "POST", "/api/runs/999/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = a.do(t, "GET", "/api/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel_RunningEntry(t *testing.T) {
	a := newTestAPI(t)
	id, err := a.sink.Create(context.Background(), aggregate.FeatureBrokerSummary, joblog.TriggerManual)
	require.NoError(t, err)

	rec, _ := a.do(t, "POST", "/api/runs/"+strconv.FormatInt(id, 10)+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	cancelled, err := a.sink.IsCancelled(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCurrent(t *testing.T) {
	a := newTestAPI(t)
	rec, env := a.do(t, "GET", "/api/runs/current", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var cur struct {
		Busy     bool              `json:"busy"`
		Progress pipeline.Snapshot `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cur))
	assert.False(t, cur.Busy)
	assert.Equal(t, pipeline.StateIdle, cur.Progress.State)
}

func TestProgressWebSocket(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snap pipeline.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, pipeline.StateIdle, snap.State)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")
}

func TestRequestID(t *testing.T) {
	a := newTestAPI(t)

	rec, _ := a.do(t, "GET", "/health", "")
	generated := rec.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "ops-42")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, "ops-42", rec.Header().Get("X-Request-ID"))

	rec, _ = a.do(t, "GET", "/health", "")
	assert.NotEqual(t, generated, rec.Header().Get("X-Request-ID"))
}
