package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deskrelay/internal/agent"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/signal"
	"deskrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 50 * time.Millisecond
	cfg.Streaming.InitialResolution = 0
	cfg.Streaming.InitialIntervalMs = 20
	cfg.Streaming.MinIntervalMs = 20
	cfg.Redis.Enabled = false
	return cfg
}

func newTestRelay(t *testing.T, cfg *config.Config) (*Relay, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r, err := NewRelay(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	ts := httptest.NewServer(r.SignalHandler())
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = r.Signal.Shutdown(shutdownCtx)
		ts.Close()
		cancel()
		_ = r.Close(shutdownCtx)
	})
	return r, "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Signal.Path
}

func runAgent(t *testing.T, run func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newAgentClient(t *testing.T, url, id string) *agent.Client {
	t.Helper()
	cfg := agent.DefaultClientConfig(url)
	cfg.EndpointID = id
	cfg.Codec = signal.CodecCBOR
	client, err := agent.NewClient(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return client
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRelayEndToEnd(t *testing.T) {
	cfg := testConfig()
	r, url := newTestRelay(t, cfg)
	logger := zaptest.NewLogger(t).Sugar()

	host := agent.NewHost(newAgentClient(t, url, "desk-1"), agent.NewSyntheticCapturer(), agent.NewLoggingInjector(logger), FlowConfig(cfg), logger)
	runAgent(t, host.Run)

	controller := agent.NewController(newAgentClient(t, url, ""), "desk-1", logger)
	runAgent(t, controller.Run)

	require.Eventually(t, func() bool {
		return controller.Stats().Frames >= 2
	}, 5*time.Second, 20*time.Millisecond)

	w := get(t, r.APIHandler(), "/api/v1/pairings")
	require.Equal(t, http.StatusOK, w.Code)
	var pairings struct {
		Pairings []struct {
			HostID string `json:"host_id"`
		} `json:"pairings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pairings))
	require.Len(t, pairings.Pairings, 1)
	assert.Equal(t, "desk-1", pairings.Pairings[0].HostID)

	w = get(t, r.APIHandler(), "/api/v1/endpoints?role=host")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"desk-1"`)

	require.Eventually(t, func() bool {
		body := get(t, r.APIHandler(), "/metrics").Body.String()
		return strings.Contains(body, "deskrelay_connections_opened_total") &&
			strings.Contains(body, "deskrelay_messages_relayed_total") &&
			strings.Contains(body, `deskrelay_pairings_active 1`)
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRelayEvictThroughAPI(t *testing.T) {
	cfg := testConfig()
	r, url := newTestRelay(t, cfg)
	logger := zaptest.NewLogger(t).Sugar()

	host := agent.NewHost(newAgentClient(t, url, "desk-2"), agent.NewSyntheticCapturer(), agent.NewLoggingInjector(logger), FlowConfig(cfg), logger)
	runAgent(t, host.Run)

	require.Eventually(t, func() bool {
		ep, err := r.Registry.Lookup("desk-2")
		return err == nil && ep.Role == domain.RoleHost
	}, 3*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/endpoints/desk-2", nil)
	w := httptest.NewRecorder()
	r.APIHandler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.Eventually(t, func() bool {
		body := get(t, r.APIHandler(), "/metrics").Body.String()
		return strings.Contains(body, `deskrelay_connections_closed_total{reason="evicted"} 1`)
	}, 3*time.Second, 20*time.Millisecond)

	// The host agent redials with the same id.
	require.Eventually(t, func() bool {
		ep, err := r.Registry.Lookup("desk-2")
		return err == nil && ep.Role == domain.RoleHost
	}, 5*time.Second, 20*time.Millisecond)

	w = httptest.NewRecorder()
	r.APIHandler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/endpoints/nobody", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRelaySignalHealth(t *testing.T) {
	r, _ := newTestRelay(t, testConfig())

	w := get(t, r.SignalHandler(), "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(t, r.APIHandler(), "/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	resp := get(t, r.APIHandler(), "/api/v1/ice-servers").Result()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stun:stun.l.google.com:19302")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.PrometheusEnabled = false
	r, _ := newTestRelay(t, cfg)

	assert.Equal(t, http.StatusNotFound, get(t, r.APIHandler(), "/metrics").Code)
}

func TestNewRelayRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Address = ""

	_, err := NewRelay(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestICEServers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.ICEServers = []config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "desk", Credential: "secret"},
	}

	servers := ICEServers(cfg)
	require.Len(t, servers, 2)
	assert.Nil(t, servers[0].Credential)
	assert.Equal(t, "desk", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, servers[1].CredentialType)
}

func TestSignalOptionsRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	assert.Zero(t, SignalOptions(cfg).MessagesPerSecond)

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 120
	cfg.RateLimiting.WebSocket.Burst = 240
	opts := SignalOptions(cfg)
	assert.Equal(t, 120.0, opts.MessagesPerSecond)
	assert.Equal(t, 240, opts.MessageBurst)
	assert.Equal(t, cfg.Signal.DropReportInterval, opts.DropReportInterval)
}

func TestFlowConfigFromStreaming(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Streaming.InitialQuality = 0.6
	cfg.Streaming.UpgradeAfterWindows = 4

	flow := FlowConfig(cfg)
	assert.Equal(t, 0.6, flow.InitialQuality)
	assert.Equal(t, 4, flow.UpgradeAfterWindows)
	assert.Equal(t, cfg.Streaming.AdaptEvery, flow.AdaptEvery)
}
