package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/keeper/keeper/pkg/config"
	"github.com/malbeclabs/keeper/keeper/pkg/orchestrator"
	"github.com/malbeclabs/keeper/keeper/pkg/server"
	keepertesting "github.com/malbeclabs/keeper/utils/pkg/testing"
)

type fakeStatus struct {
	mu    sync.Mutex
	state orchestrator.State
	rt    config.RuntimeCycleState
}

func (f *fakeStatus) set(s orchestrator.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeStatus) State() orchestrator.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStatus) Snapshot() orchestrator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return orchestrator.Snapshot{State: f.state, Runtime: f.rt}
}

func newServer(t *testing.T, status server.StatusSource) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{
		Logger:      keepertesting.NewLogger(),
		ListenAddr:  "127.0.0.1:0",
		VersionInfo: server.VersionInfo{Version: "1.2.3", Commit: "abc", Date: "2025-06-01"},
		Status:      status,
	})
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestKeeper_Server_Healthz(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeStatus{state: orchestrator.StateStopped})

	rec := get(t, srv.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestKeeper_Server_Readyz(t *testing.T) {
	t.Parallel()
	status := &fakeStatus{}
	srv := newServer(t, status)

	tests := []struct {
		state orchestrator.State
		want  int
	}{
		{orchestrator.StateIdle, http.StatusServiceUnavailable},
		{orchestrator.StatePreflighting, http.StatusServiceUnavailable},
		{orchestrator.StateRunning, http.StatusOK},
		{orchestrator.StateHarvesting, http.StatusOK},
		{orchestrator.StateSwapping, http.StatusOK},
		{orchestrator.StateDistributing, http.StatusOK},
		{orchestrator.StateStopping, http.StatusServiceUnavailable},
		{orchestrator.StateFaulted, http.StatusServiceUnavailable},
		{orchestrator.StateStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		status.set(tt.state)
		rec := get(t, srv.Handler(), "/readyz")
		require.Equal(t, tt.want, rec.Code, "state %s", tt.state)
		if tt.want != http.StatusOK {
			require.Contains(t, rec.Body.String(), string(tt.state))
		}
	}
}

func TestKeeper_Server_VersionAndStatus(t *testing.T) {
	t.Parallel()
	status := &fakeStatus{
		state: orchestrator.StateRunning,
		rt: config.RuntimeCycleState{
			LastCycleID:         "cycle-1",
			LastHarvestedAmount: 1_000_000,
			ConsecutiveFailures: 2,
		},
	}
	srv := newServer(t, status)

	rec := get(t, srv.Handler(), "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var v server.VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, "1.2.3", v.Version)

	rec = get(t, srv.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, orchestrator.StateRunning, snap.State)
	require.Equal(t, "cycle-1", snap.Runtime.LastCycleID)
	require.Equal(t, uint64(1_000_000), snap.Runtime.LastHarvestedAmount)
	require.Equal(t, 2, snap.Runtime.ConsecutiveFailures)
}

func TestKeeper_Server_Metrics(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeStatus{state: orchestrator.StateRunning})

	require.Equal(t, http.StatusOK, get(t, srv.Handler(), "/healthz").Code)
	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "vault_keeper_http_requests_total")
}

func TestKeeper_Server_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeStatus{state: orchestrator.StateRunning})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	url := "http://" + listener.Addr().String() + "/readyz"
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	require.True(t, strings.HasPrefix(body, "ok"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestKeeper_Server_ConfigValidate(t *testing.T) {
	t.Parallel()
	_, err := server.New(server.Config{Logger: keepertesting.NewLogger(), ListenAddr: ":0"})
	require.Error(t, err)
	_, err = server.New(server.Config{Logger: keepertesting.NewLogger(), Status: &fakeStatus{}})
	require.Error(t, err)
}
