package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchDepthSnapshotSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"lastUpdateId": 12345, "bids": [["100.5","1.2"]], "asks": [["100.6","0.8"]]}`))
	}))
	defer server.Close()

	cfg := DefaultSnapshotConfig(server.URL)
	client := NewSnapshotClient(cfg)

	snap, err := client.FetchDepthSnapshot(context.Background(), 1, "BTCUSDT", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), snap.LastUpdateID)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, 100.5, snap.Bids[0].Price)
	assert.Equal(t, 1.2, snap.Bids[0].Qty)
	require.Len(t, snap.Asks, 1)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.SuccessRequests)
}

func TestFetchDepthSnapshotRetriesOnRetryableStatus(t *testing.T) {
	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"lastUpdateId": 99, "bids": [], "asks": []}`))
	}))
	defer server.Close()

	cfg := DefaultSnapshotConfig(server.URL)
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	client := NewSnapshotClient(cfg)

	snap, err := client.FetchDepthSnapshot(context.Background(), 1, "ETHUSDT", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(99), snap.LastUpdateID)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))

	stats := client.Stats()
	assert.Equal(t, int64(2), stats.RetriedRequests)
}

func TestFetchDepthSnapshotGivesUpOnNonRetryableStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := DefaultSnapshotConfig(server.URL)
	client := NewSnapshotClient(cfg)

	_, err := client.FetchDepthSnapshot(context.Background(), 1, "XRPUSDT", 1000)
	require.Error(t, err)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.TotalRequests)
}
