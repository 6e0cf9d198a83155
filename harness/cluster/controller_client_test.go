package cluster

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagestream/harness/harness/util"
)

// fakeController is an HTTP double of the storage controller's API surface.
type fakeController struct {
	router *mux.Router
	server *httptest.Server

	readyAfter     atomic.Int64 // /ready answers 503 until this many probes happened
	pendingWork    atomic.Int64 // countdown returned by reconcile_all
	drainFailures  atomic.Int64 // 503s to serve before a drain succeeds
	locateRequests atomic.Int64
}

func newFakeController(t *testing.T, shards []ShardLocation) *fakeController {
	t.Helper()
	f := &fakeController{router: mux.NewRouter()}

	f.router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if f.readyAfter.Add(-1) >= 0 {
			http.Error(w, `{"msg":"still starting"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	f.router.HandleFunc("/debug/v1/tenant/{tenant}/locate", func(w http.ResponseWriter, r *http.Request) {
		f.locateRequests.Add(1)
		if mux.Vars(r)["tenant"] == "missing" {
			http.Error(w, `{"msg":"tenant not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"shards": shards})
	}).Methods(http.MethodGet)

	f.router.HandleFunc("/control/v1/node/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(NodeDescription{ID: 1, Availability: "Active", Scheduling: "Pause"})
	}).Methods(http.MethodGet)

	f.router.HandleFunc("/control/v1/node/{id}/drain", func(w http.ResponseWriter, r *http.Request) {
		if f.drainFailures.Add(-1) >= 0 {
			http.Error(w, `{"msg":"ongoing reconciliation"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPut)

	f.router.HandleFunc("/debug/v1/reconcile_all", func(w http.ResponseWriter, r *http.Request) {
		n := f.pendingWork.Add(-1)
		if n < 0 {
			n = 0
		}
		json.NewEncoder(w).Encode(n)
	}).Methods(http.MethodPost)

	f.router.HandleFunc("/control/v1/tenant/{tenant}/shard_split", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			NewShardCount int `json:"new_shard_count"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := map[string][]string{"new_shards": {"t1-0004", "t1-0104", "t1-0204", "t1-0304"}}
		json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodPut)

	f.router.HandleFunc("/v1/tenant", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer test-token" {
			http.Error(w, `{"msg":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	f.server = httptest.NewServer(f.router)
	t.Cleanup(f.server.Close)
	return f
}

func TestControllerClientReadiness(t *testing.T) {
	f := newFakeController(t, nil)
	client := NewControllerClient(f.server.URL, "")

	f.readyAfter.Store(2)
	err := client.Ready()
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))

	// One more failing probe, then ready.
	require.Error(t, client.Ready())
	require.NoError(t, client.Ready())
}

func TestControllerClientLocate(t *testing.T) {
	shards := []ShardLocation{
		{ShardID: "t1-0002", NodeID: 1},
		{ShardID: "t1-0102", NodeID: 2},
	}
	f := newFakeController(t, shards)
	client := NewControllerClient(f.server.URL, "")

	got, err := client.Locate("t1")
	require.NoError(t, err)
	assert.Equal(t, shards, got)

	_, err = client.Locate("missing")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "tenant not found")
}

func TestControllerClientBearerToken(t *testing.T) {
	f := newFakeController(t, nil)

	err := NewControllerClient(f.server.URL, "").TenantCreate(TenantCreateRequest{NewTenantID: "t1"})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))

	err = NewControllerClient(f.server.URL, "test-token").TenantCreate(TenantCreateRequest{NewTenantID: "t1"})
	require.NoError(t, err)
}

func TestControllerClientShardSplit(t *testing.T) {
	f := newFakeController(t, nil)
	client := NewControllerClient(f.server.URL, "")

	newShards, err := client.TenantShardSplit("t1", 4)
	require.NoError(t, err)
	assert.Len(t, newShards, 4)
	assert.Equal(t, "t1-0004", newShards[0])
}

func TestReconcileUntilIdle(t *testing.T) {
	f := newFakeController(t, nil)
	client := NewControllerClient(f.server.URL, "")

	f.pendingWork.Store(3)
	require.NoError(t, client.ReconcileUntilIdle(5*time.Second))

	f.pendingWork.Store(1 << 30)
	err := client.ReconcileUntilIdle(300 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrTimedOut)
}

func TestRetryableNodeOperation(t *testing.T) {
	f := newFakeController(t, nil)
	client := NewControllerClient(f.server.URL, "")

	// Transient 503s are retried until the controller accepts the drain.
	f.drainFailures.Store(2)
	err := RetryableNodeOperation("drain node 1", 5, 10*time.Millisecond, func() error {
		return client.NodeDrain(1)
	})
	require.NoError(t, err)

	// A non-retryable status is returned immediately.
	calls := 0
	err = RetryableNodeOperation("bad request", 5, 10*time.Millisecond, func() error {
		calls++
		return &APIError{StatusCode: http.StatusBadRequest, Message: "nope"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	// Exhausting the attempts surfaces a timeout.
	err = RetryableNodeOperation("always busy", 3, time.Millisecond, func() error {
		return &APIError{StatusCode: http.StatusConflict, Message: "busy"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrTimedOut)
}

func TestPollNodeStatus(t *testing.T) {
	f := newFakeController(t, nil)
	client := NewControllerClient(f.server.URL, "")

	require.NoError(t, client.PollNodeStatus(1, "Pause", 3, time.Millisecond))

	err := client.PollNodeStatus(1, "Active", 2, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrTimedOut)
}
