package app

import (
	"context"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/fast-exchange/config"
	"github.com/searchktools/fast-exchange/core"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Address = "127.0.0.1:0"
	cfg.LogLevel = "error"
	cfg.LogSink = "stderr"
	cfg.MaxConnections = 8
	return cfg
}

func fetch(t *testing.T, a *App, path string) (int, string) {
	t.Helper()
	client := &nethttp.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + a.Engine().Addr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestApp_ServesOperationalEndpoints(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)

	a.Handle("/hello", http.HandlerFunc(func(_ *http.Request, resp *http.Response) error {
		_, err := resp.WriteString("hi")
		return err
	}))
	require.NoError(t, a.Start())
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	code, body := fetch(t, a, "/hello")
	require.Equal(t, 200, code)
	require.Equal(t, "hi", body)

	code, body = fetch(t, a, "/metrics")
	require.Equal(t, 200, code)
	require.Contains(t, body, "fast_exchanges_total")
	require.Contains(t, body, "fast_pool_in_use")

	code, body = fetch(t, a, "/stats")
	require.Equal(t, 200, code)
	require.True(t, strings.Contains(body, `"connections"`), body)
	require.Contains(t, body, `"profile"`)

	require.ErrorIs(t, a.Start(), core.ErrServerRunning)
}

func TestApp_RunContextShutsDown(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunContext(ctx) }()

	require.Eventually(t, func() bool {
		return a.Engine() != nil && a.Engine().IsRunning()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunContext did not return after cancel")
	}
	require.False(t, a.Engine().IsRunning())
}

func TestNew_RejectsBadSettings(t *testing.T) {
	cfg := testConfig()
	cfg.LogSink = "syslog"
	_, err := New(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.GCProfile = "turbo"
	_, err = New(cfg)
	require.Error(t, err)
}

func TestApp_ReloadChangesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fast.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\nlog_sink: stderr\n"), 0o644))

	cfg, err := config.Load("test", []string{"-env-file", "", "-config", path})
	require.NoError(t, err)
	a, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, zapcore.ErrorLevel, a.level.Level())

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nlog_sink: stderr\n"), 0o644))
	require.NoError(t, a.Reload())
	require.Eventually(t, func() bool {
		return a.level.Level() == zapcore.DebugLevel
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("max_connections: -5\n"), 0o644))
	require.Error(t, a.Reload())
	require.Equal(t, zapcore.DebugLevel, a.level.Level())
}
