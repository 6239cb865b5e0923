package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/scheduler"
	"github.com/livinlefevreloca/deferral/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService answers from a MockStore without a running loop
type fakeService struct {
	mu        sync.Mutex
	store     *testutil.MockStore
	scheduled []db.Item
	statsErr  error
}

func newFakeService() *fakeService {
	return &fakeService{store: testutil.NewMockStore()}
}

func (f *fakeService) Schedule(item *db.Item) error {
	f.mu.Lock()
	f.scheduled = append(f.scheduled, *item)
	f.mu.Unlock()
	return f.store.PutItem(item)
}

func (f *fakeService) Cancel(timeStamp int64) error {
	if err := f.store.DeleteItem(timeStamp); err != nil {
		return fmt.Errorf("failed to cancel item %d: %w", timeStamp, err)
	}
	return nil
}

func (f *fakeService) Get(timeStamp int64) (*db.Item, error) {
	return f.store.GetItem(timeStamp)
}

func (f *fakeService) ListBefore(timeStamp int64) ([]db.Item, error) {
	return f.store.ListItemsBefore(timeStamp)
}

func (f *fakeService) ListBetween(start, end int64) ([]db.Item, error) {
	return f.store.ListItemsBetween(start, end)
}

func (f *fakeService) History(limit int) ([]db.Dispatch, error) {
	return f.store.ListDispatches(limit)
}

func (f *fakeService) ItemHistory(timeStamp int64, limit int) ([]db.Dispatch, error) {
	return f.store.ListDispatchesForItem(timeStamp, limit)
}

func (f *fakeService) Stats(context.Context) (scheduler.StatsResponse, error) {
	if f.statsErr != nil {
		return scheduler.StatsResponse{}, f.statsErr
	}
	return scheduler.StatsResponse{Scheduler: scheduler.SchedulerStats{IndexSize: 7}}, nil
}

func newTestServer(t *testing.T, svc Service, m *metrics.Metrics) *Server {
	t.Helper()
	return NewServer(DefaultConfig(), svc, m, testutil.NewTestLogger().Logger())
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestSchedule_WithTimeStamp(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodPost, "/items", `{"time_stamp":1704067200000,"payload":{"id":1}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var item db.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, int64(1704067200000), item.TimeStamp)
	assert.JSONEq(t, `{"id":1}`, string(item.Payload))
	assert.True(t, svc.store.Has(1704067200000))
}

func TestSchedule_WithAt(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodPost, "/items", `{"at":"2024-01-01T00:00:00Z","payload":"x"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, svc.store.Has(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()))
}

func TestSchedule_CronWithoutTime(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodPost, "/items", `{"cron":"*/5 * * * *"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Len(t, svc.scheduled, 1)
	next := svc.scheduled[0].ScheduledAt()
	assert.True(t, next.After(time.Now().Add(-time.Second)))
	assert.Equal(t, 0, next.Minute()%5)
	assert.Equal(t, "*/5 * * * *", svc.scheduled[0].Cron)
}

func TestSchedule_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"time_stamp":`},
		{"no time", `{"payload":1}`},
		{"both times", `{"time_stamp":1,"at":"2024-01-01T00:00:00Z"}`},
		{"bad cron", `{"time_stamp":1,"cron":"every tuesday"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			s := newTestServer(t, svc, nil)

			rec := do(s, http.MethodPost, "/items", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Message)
			assert.Empty(t, svc.scheduled)
		})
	}
}

func TestGetAndCancel(t *testing.T) {
	svc := newFakeService()
	svc.store.SetItems(db.Item{TimeStamp: 100, Payload: json.RawMessage(`"a"`)})
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/items/100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"time_stamp":100`)

	rec = do(s, http.MethodDelete, "/items/100", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, svc.store.Has(100))

	rec = do(s, http.MethodDelete, "/items/100", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodGet, "/items/100", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodGet, "/items/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_StrictlyBefore(t *testing.T) {
	svc := newFakeService()
	svc.store.SetItems(db.Item{TimeStamp: 10}, db.Item{TimeStamp: 20}, db.Item{TimeStamp: 30})
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/items?before=20", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []db.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, int64(10), items[0].TimeStamp)

	rec = do(s, http.MethodGet, "/items?before=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_DefaultsToAllItems(t *testing.T) {
	svc := newFakeService()
	future := time.Now().Add(24 * time.Hour).UnixMilli()
	svc.store.SetItems(db.Item{TimeStamp: 10}, db.Item{TimeStamp: future})
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/items", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []db.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, future, items[1].TimeStamp)
}

func TestList_Window(t *testing.T) {
	svc := newFakeService()
	svc.store.SetItems(db.Item{TimeStamp: 10}, db.Item{TimeStamp: 20}, db.Item{TimeStamp: 30}, db.Item{TimeStamp: 40})
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/items?from=20&before=40", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []db.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, int64(20), items[0].TimeStamp)
	assert.Equal(t, int64(30), items[1].TimeStamp)

	rec = do(s, http.MethodGet, "/items?from=30", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, int64(30), items[0].TimeStamp)

	rec = do(s, http.MethodGet, "/items?from=later", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	svc := newFakeService()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, svc.store.RecordDispatch(&db.Dispatch{TimeStamp: i, Outcome: db.OutcomeDelivered, Attempts: 1}))
	}
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/dispatches?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var history []db.Dispatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, int64(3), history[0].TimeStamp)

	rec = do(s, http.MethodGet, "/items/2/dispatches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, int64(2), history[0].TimeStamp)

	rec = do(s, http.MethodGet, "/dispatches?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"index_size":7`)

	svc.statsErr = errors.New("scheduler stopped")
	rec = do(s, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStoreErrorIs500(t *testing.T) {
	svc := newFakeService()
	svc.store.SetQueryError(errors.New("disk on fire"))
	logger := testutil.NewTestLogger()
	s := NewServer(DefaultConfig(), svc, nil, logger.Logger())

	rec := do(s, http.MethodGet, "/items?before=10", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, logger.HasError())
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New("test")
	m.RecordDispatch(db.OutcomeDelivered)
	s := newTestServer(t, newFakeService(), m)

	rec := do(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_dispatches_total")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	config := DefaultConfig()
	config.Port = 70000
	assert.Error(t, config.Validate())

	config.Enabled = false
	assert.NoError(t, config.Validate())
	assert.Equal(t, "0.0.0.0:70000", config.Addr())
}
