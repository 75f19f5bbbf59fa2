package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmsched"
	"github.com/blueberrycongee/llmsched/backends/relay"
	"github.com/blueberrycongee/llmsched/internal/config"
	"github.com/blueberrycongee/llmsched/internal/observability"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

func relayServer(t *testing.T, wantKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != relay.ChatPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+wantKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"authentication_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.Response{
			ID:      "remote",
			Choices: []types.Choice{{Message: types.TextMessage(types.RoleAssistant, "pong")}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL, apiKey string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backends = []config.BackendConfig{{
		Name:                "remote",
		Type:                relay.TypeName,
		BaseURL:             baseURL,
		APIKey:              apiKey,
		AllowPrivateBaseURL: true,
	}}
	cfg.Scheduler.DefaultBackend = "remote"
	cfg.Scheduler.RetryCount = 1
	return cfg
}

func TestBuildSchedulerResolvesEnvSecrets(t *testing.T) {
	t.Setenv("LLMSCHED_REMOTE_KEY", "sk-remote-secret-1")
	srv := relayServer(t, "sk-remote-secret-1")

	var logs bytes.Buffer
	redactor := observability.NewRedactor()
	logger := observability.NewLogger(observability.LoggerConfig{Output: &logs, Level: slog.LevelDebug}, redactor)

	secrets, err := newSecretManager(config.SecretsConfig{CacheTTL: time.Minute}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = secrets.Close() })

	s, err := buildScheduler(context.Background(), testConfig(srv.URL, "env://LLMSCHED_REMOTE_KEY"), schedulerDeps{
		logger:   logger,
		redactor: redactor,
		secrets:  secrets,
		registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	resp, err := s.Chat(context.Background(), &llmsched.Request{
		Messages: []llmsched.Message{llmsched.TextMessage(llmsched.RoleUser, "ping")},
	})
	require.NoError(t, err)
	assert.Equal(t, "remote", resp.Backend)

	logger.Info("resolved", "key", "sk-remote-secret-1")
	assert.NotContains(t, logs.String(), "sk-remote-secret-1")
}

func TestBuildSchedulerSkipsUnresolvableBackends(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secrets, err := newSecretManager(config.SecretsConfig{}, logger)
	require.NoError(t, err)

	s, err := buildScheduler(context.Background(), testConfig("https://remote.example.com", "env://LLMSCHED_UNSET_KEY"), schedulerDeps{
		logger:  logger,
		secrets: secrets,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Empty(t, s.Backends())
}

func TestBuildSchedulerTwiceSharesRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secrets, err := newSecretManager(config.SecretsConfig{}, logger)
	require.NoError(t, err)

	deps := schedulerDeps{logger: logger, secrets: secrets, registry: prometheus.NewRegistry()}
	cfg := testConfig("https://remote.example.com", "sk-literal-key")

	first, err := buildScheduler(context.Background(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	require.NotPanics(t, func() {
		second, err := buildScheduler(context.Background(), cfg, deps)
		require.NoError(t, err)
		_ = second.Close()
	})
}

func TestBuildSchedulerNilConfig(t *testing.T) {
	_, err := buildScheduler(context.Background(), nil, schedulerDeps{})
	assert.ErrorIs(t, err, errNilConfig)
}

func TestResolveServerKeys(t *testing.T) {
	t.Setenv("LLMSCHED_INBOUND_KEY", "sk-inbound-7")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secrets, err := newSecretManager(config.SecretsConfig{}, logger)
	require.NoError(t, err)

	redactor := observability.NewRedactor()
	keys, err := resolveServerKeys(context.Background(), []string{"env://LLMSCHED_INBOUND_KEY", "plain-key"}, secrets, redactor)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-inbound-7", "plain-key"}, keys)

	_, err = resolveServerKeys(context.Background(), []string{"env://LLMSCHED_MISSING_INBOUND"}, secrets, redactor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.api_keys[0]")
}
