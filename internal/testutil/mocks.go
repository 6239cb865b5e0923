package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/deferral/internal/db"
)

// MockStore is an in-memory item store with error injection
type MockStore struct {
	mu         sync.Mutex
	items      map[int64]db.Item
	dispatches []db.Dispatch
	queryError error
	writeError error
	writeDelay time.Duration
	deletes    int
	closed     bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		items: make(map[int64]db.Item),
	}
}

// SetItems replaces the stored items
func (m *MockStore) SetItems(items ...db.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[int64]db.Item, len(items))
	for _, item := range items {
		m.items[item.TimeStamp] = item
	}
}

func (m *MockStore) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryError = err
}

func (m *MockStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

func (m *MockStore) SetWriteDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDelay = delay
}

func (m *MockStore) beforeWrite() error {
	m.mu.Lock()
	delay := m.writeDelay
	err := m.writeError
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (m *MockStore) PutItem(item *db.Item) error {
	if err := m.beforeWrite(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	m.items[item.TimeStamp] = *item
	return nil
}

func (m *MockStore) GetItem(timeStamp int64) (*db.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryError != nil {
		return nil, m.queryError
	}

	item, ok := m.items[timeStamp]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &item, nil
}

func (m *MockStore) DeleteItem(timeStamp int64) error {
	if err := m.beforeWrite(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[timeStamp]; !ok {
		return db.ErrNotFound
	}
	delete(m.items, timeStamp)
	m.deletes++
	return nil
}

func (m *MockStore) ListItemsBefore(timeStamp int64) ([]db.Item, error) {
	return m.list(func(ts int64) bool { return ts < timeStamp })
}

func (m *MockStore) ListItemsBetween(start, end int64) ([]db.Item, error) {
	return m.list(func(ts int64) bool { return ts >= start && ts < end })
}

func (m *MockStore) list(keep func(int64) bool) ([]db.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryError != nil {
		return nil, m.queryError
	}

	result := []db.Item{}
	for ts, item := range m.items {
		if keep(ts) {
			result = append(result, item)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TimeStamp < result[j].TimeStamp
	})
	return result, nil
}

func (m *MockStore) CountItems() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *MockStore) RecordDispatch(d *db.Dispatch) error {
	if err := m.beforeWrite(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	for _, existing := range m.dispatches {
		if existing.ID == d.ID {
			return nil
		}
	}
	if d.DispatchedAt.IsZero() {
		d.DispatchedAt = time.Now()
	}
	m.dispatches = append(m.dispatches, *d)
	return nil
}

func (m *MockStore) ListDispatches(limit int) ([]db.Dispatch, error) {
	return m.ListDispatchesForItem(-1, limit)
}

// ListDispatchesForItem returns newest first; a negative key matches all
func (m *MockStore) ListDispatchesForItem(timeStamp int64, limit int) ([]db.Dispatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := []db.Dispatch{}
	for i := len(m.dispatches) - 1; i >= 0 && len(result) < limit; i-- {
		if timeStamp < 0 || m.dispatches[i].TimeStamp == timeStamp {
			result = append(result, m.dispatches[i])
		}
	}
	return result, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Has reports whether an item is stored at timeStamp
func (m *MockStore) Has(timeStamp int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[timeStamp]
	return ok
}

// Dispatches returns a copy of the recorded history, oldest first
func (m *MockStore) Dispatches() []db.Dispatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]db.Dispatch, len(m.dispatches))
	copy(result, m.dispatches)
	return result
}

// CountOutcome counts recorded dispatches with the given outcome
func (m *MockStore) CountOutcome(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, d := range m.dispatches {
		if d.Outcome == outcome {
			n++
		}
	}
	return n
}

func (m *MockStore) CountDeletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

func (m *MockStore) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i+1 < len(fields); i += 2 {
		entry.Fields[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

// HasMessage reports whether any entry carries msg
func (l *TestLogger) HasMessage(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Message == msg {
			return true
		}
	}
	return false
}

func (l *TestLogger) hasLevel(level string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == level {
			return true
		}
	}
	return false
}

func (l *TestLogger) HasError() bool {
	return l.hasLevel("ERROR")
}

func (l *TestLogger) HasWarning() bool {
	return l.hasLevel("WARN")
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, (r.NumAttrs()+len(h.attrs))*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)
	return &testLogHandler{logger: h.logger, attrs: newAttrs}
}

func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// WaitFor polls condition until it holds or the timeout expires
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		<-ticker.C
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
