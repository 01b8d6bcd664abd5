// ABOUTME: Test helpers and lifecycle tests for the gateway
// ABOUTME: Builds gateways over MockStore with signed tokens for each test user

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/store"
)

const testSecret = "gateway-test-secret-0123456789abcdef"

// testConfig creates a minimal valid config for testing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Uploads:  config.UploadsConfig{Dir: t.TempDir()},
	}
	cfg.ApplyDefaults()
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *store.MockStore) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	st := store.NewMockStore()
	g, err := newGateway(cfg, st, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return g, st
}

func tokenFor(t *testing.T, g *Gateway, userID string) string {
	t.Helper()
	token, err := g.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends an authenticated JSON request straight to the handler.
func do(t *testing.T, g *Gateway, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, g, userID))
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// sseEvent is one parsed Server-Sent Event.
type sseEvent struct {
	Event string
	Data  string
}

// readEvent returns the next event, skipping comments.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.Event != "" || ev.Data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// openFeed starts an SSE stream against srv and returns a reader over it.
func openFeed(t *testing.T, g *Gateway, srv *httptest.Server, userID, path string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, g, userID))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestHealth(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	rec := do(t, g, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "OK"))
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	g, _ := newTestGateway(t, cfg)

	rec := do(t, g, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAPI_RequiresAuth(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	rec := do(t, g, "", http.MethodPost, "/api/conversations", CreateConversationRequest{PeerID: "bob"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)
}

func TestLimiterStore(t *testing.T) {
	s := NewLimiterStore(1, 2, 0)
	defer s.Stop()

	assert.True(t, s.Allow("alice"))
	assert.True(t, s.Allow("alice"))
	assert.False(t, s.Allow("alice"), "burst exhausted")
	assert.True(t, s.Allow("bob"), "limits are per key")

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	s.sweep()
	assert.Equal(t, 0, s.Len())
	s.Stop()
}
