package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
)

func fakeVault(t *testing.T, secrets map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/kubernetes/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["jwt"] != "sa-token" || body["role"] != "settlement" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"auth":{"client_token":"vault-token"}}`))
	})
	mux.HandleFunc("/v1/secret/data/settlement", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "vault-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": secrets},
		}))
	})
	return httptest.NewServer(mux)
}

func tokenFile(t *testing.T, token string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
	return path
}

func TestResolveSecrets(t *testing.T) {
	srv := fakeVault(t, map[string]interface{}{
		KeyBridgePrivateKey: "0xkey",
		KeyRailAPISecret:    "rail-secret",
	})
	defer srv.Close()

	vc, err := New(context.Background(), config.VaultConfig{
		Addr:   srv.URL,
		KVPath: "/secret/data/settlement/",
		Role:   "settlement",
	}, WithTokenPath(tokenFile(t, "sa-token")))
	require.NoError(t, err)

	cfg := &config.AppConfig{}
	cfg.ApiServer.JWTSecret = "from-env"
	require.NoError(t, vc.ResolveSecrets(context.Background(), cfg))

	assert.Equal(t, "0xkey", cfg.Blockchain.BridgePrivateKey)
	assert.Equal(t, "rail-secret", cfg.Rail.APISecret)
	assert.Equal(t, "from-env", cfg.ApiServer.JWTSecret)

	// nothing to fall back to
	cfg.ApiServer.JWTSecret = ""
	assert.Error(t, vc.ResolveSecrets(context.Background(), cfg))
}

func TestLoginRejected(t *testing.T) {
	srv := fakeVault(t, nil)
	defer srv.Close()

	_, err := New(context.Background(), config.VaultConfig{Addr: srv.URL, Role: "settlement"},
		WithTokenPath(tokenFile(t, "wrong")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}
