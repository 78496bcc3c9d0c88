package vaultsecrets

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newMockVaultServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestClient_EncryptCredentials_ReturnsCiphertext(t *testing.T) {
	server := newMockVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transit/encrypt/payment-orchestrator", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"ciphertext": "vault:v1:encrypted-blob"},
		})
	})

	client, err := NewClient(server.URL, "test-token", "payment-orchestrator", "payment-orchestrator")
	require.NoError(t, err)

	ciphertext, err := client.EncryptCredentials(map[string]string{"api_key": "sk_test_123"})
	require.NoError(t, err)
	require.Equal(t, "vault:v1:encrypted-blob", ciphertext)
}

func TestClient_DecryptCredentials_ReturnsOriginalMap(t *testing.T) {
	creds := map[string]string{"api_key": "sk_test_123", "webhook_secret": "whsec_456"}
	plaintext, err := json.Marshal(creds)
	require.NoError(t, err)

	server := newMockVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transit/decrypt/payment-orchestrator", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"plaintext": base64.StdEncoding.EncodeToString(plaintext)},
		})
	})

	client, err := NewClient(server.URL, "test-token", "payment-orchestrator", "payment-orchestrator")
	require.NoError(t, err)

	got, err := client.DecryptCredentials("vault:v1:encrypted-blob")
	require.NoError(t, err)
	require.Equal(t, creds, got)
}

func TestClient_GetDatabaseCredentials_StringifiesFields(t *testing.T) {
	server := newMockVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment-orchestrator/database", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"username": "orchestrator", "password": "hunter2", "port": float64(5432)},
		})
	})

	client, err := NewClient(server.URL, "test-token", "payment-orchestrator", "payment-orchestrator")
	require.NoError(t, err)

	creds, err := client.GetDatabaseCredentials()
	require.NoError(t, err)
	require.Equal(t, "orchestrator", creds["username"])
	require.Equal(t, "hunter2", creds["password"])
	require.NotContains(t, creds, "port", "non-string fields are dropped by stringify")
}

func TestClient_GetSecret_ErrorsOnEmptyResponse(t *testing.T) {
	server := newMockVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": nil})
	})

	client, err := NewClient(server.URL, "test-token", "payment-orchestrator", "payment-orchestrator")
	require.NoError(t, err)

	_, err = client.GetSecret("payment-orchestrator/missing")
	require.Error(t, err)
}
