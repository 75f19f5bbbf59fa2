package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPath(t *testing.T) {
	path, key := splitPath("secret/data/relay#token")
	assert.Equal(t, "secret/data/relay", path)
	assert.Equal(t, "token", key)

	path, key = splitPath("secret/data/relay")
	assert.Equal(t, "secret/data/relay", path)
	assert.Equal(t, DefaultKey, key)
}

func TestLookup(t *testing.T) {
	kv2 := map[string]interface{}{
		"data":     map[string]interface{}{"api_key": "sk-v2"},
		"metadata": map[string]interface{}{"version": 3},
	}
	got, err := lookup(kv2, "secret/data/relay", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-v2", got)

	kv1 := map[string]interface{}{"api_key": "sk-v1", "count": 3}
	got, err = lookup(kv1, "secret/relay", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-v1", got)

	_, err = lookup(kv1, "secret/relay", "missing")
	assert.ErrorContains(t, err, `key "missing" not found`)

	_, err = lookup(kv1, "secret/relay", "count")
	assert.ErrorContains(t, err, "not a string")
}

func TestProvider_TokenAuthReadsKV2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/relay" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":{"api_key":"sk-from-vault"}}}`))
	}))
	defer srv.Close()

	p, err := New(Config{Address: srv.URL, Token: "root-token"}, nil)
	require.NoError(t, err)
	defer p.Close()

	got, err := p.Get(context.Background(), "secret/data/relay")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-vault", got)

	_, err = p.Get(context.Background(), "secret/data/other")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorContains(t, err, "address is required")

	_, err = New(Config{Address: "http://127.0.0.1:8200", AuthMethod: "kerberos"}, nil)
	assert.ErrorContains(t, err, "unknown vault auth method")

	_, err = New(Config{Address: "http://127.0.0.1:8200", AuthMethod: "approle"}, nil)
	assert.ErrorContains(t, err, "role_id")
}
