package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem(ts int64) db.Item {
	return db.Item{TimeStamp: ts, Payload: json.RawMessage(`{"id":42}`)}
}

func TestHandleDue_PostsItem(t *testing.T) {
	var got Event
	var contentType, auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.DueURL = server.URL
	config.Headers = map[string]string{"Authorization": "Bearer secret"}
	client := New(config, testutil.NewTestLogger().Logger())

	require.NoError(t, client.HandleDue(context.Background(), testItem(1704067200000)))

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, EventDue, got.Kind)
	require.NotNil(t, got.Item)
	assert.Equal(t, int64(1704067200000), got.Item.TimeStamp)
	assert.JSONEq(t, `{"id":42}`, string(got.Item.Payload))
}

func TestHandleMissed_PostsBatch(t *testing.T) {
	var got Event

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer server.Close()

	config := DefaultConfig()
	config.MissedURL = server.URL
	client := New(config, testutil.NewTestLogger().Logger())

	require.NoError(t, client.HandleMissed(context.Background(), []db.Item{testItem(1), testItem(2)}))

	assert.Equal(t, EventMissed, got.Kind)
	require.Len(t, got.Items, 2)
	assert.Equal(t, int64(1), got.Items[0].TimeStamp)
	assert.Nil(t, got.Item)
}

func TestNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.DueURL = server.URL
	client := New(config, testutil.NewTestLogger().Logger())

	err := client.HandleDue(context.Background(), testItem(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "try later")
}

func TestContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	config := DefaultConfig()
	config.DueURL = server.URL
	client := New(config, testutil.NewTestLogger().Logger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, client.HandleDue(ctx, testItem(1)))
}

func TestEmptyURLOnlyLogs(t *testing.T) {
	logger := testutil.NewTestLogger()
	client := New(DefaultConfig(), logger.Logger())

	require.NoError(t, client.HandleDue(context.Background(), testItem(1)))
	require.NoError(t, client.HandleMissed(context.Background(), []db.Item{testItem(2)}))

	assert.True(t, logger.HasMessage("item due"))
	assert.True(t, logger.HasWarning())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	config := DefaultConfig()
	config.Timeout = 0
	assert.Error(t, config.Validate())
}
