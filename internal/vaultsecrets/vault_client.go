// Package vaultsecrets encrypts and decrypts PaymentProvider credential maps
// at rest using HashiCorp Vault's transit secrets engine, and loads the
// database/Redis bootstrap credentials the orchestrator itself needs.
package vaultsecrets

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
)

// Client wraps a Vault API client scoped to this service's secret paths.
type Client struct {
	client      *api.Client
	transitKey  string
	mountPrefix string
}

// NewClient builds a Vault client authenticated with token against baseURL.
// transitKey names the transit engine key used to encrypt provider
// credentials; mountPrefix namespaces the KV paths this service reads (e.g.
// "payment-orchestrator").
func NewClient(baseURL, token, transitKey, mountPrefix string) (*Client, error) {
	config := &api.Config{
		Address:    baseURL,
		HttpClient: &http.Client{Timeout: 30 * time.Second},
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	return &Client{client: client, transitKey: transitKey, mountPrefix: mountPrefix}, nil
}

// EncryptCredentials encrypts a provider's credential map via Vault's
// transit engine, returning the ciphertext to be stored in
// PaymentProvider.CredentialsEncrypted.
func (c *Client) EncryptCredentials(creds map[string]string) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}

	resp, err := c.client.Logical().Write(fmt.Sprintf("transit/encrypt/%s", c.transitKey), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("vault transit encrypt failed: %w", err)
	}
	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return "", fmt.Errorf("vault transit encrypt returned no ciphertext")
	}
	return ciphertext, nil
}

// DecryptCredentials reverses EncryptCredentials.
func (c *Client) DecryptCredentials(ciphertext string) (map[string]string, error) {
	resp, err := c.client.Logical().Write(fmt.Sprintf("transit/decrypt/%s", c.transitKey), map[string]interface{}{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt failed: %w", err)
	}
	encodedPlaintext, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault transit decrypt returned no plaintext")
	}
	plaintext, err := base64.StdEncoding.DecodeString(encodedPlaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode plaintext: %w", err)
	}

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return creds, nil
}

// GetSecret reads a raw KV path, used for the bootstrap database/Redis
// credentials this service itself needs at startup.
func (c *Client) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := c.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data found at %s", path)
	}
	return secret.Data, nil
}

// GetDatabaseCredentials retrieves this service's database credentials.
func (c *Client) GetDatabaseCredentials() (map[string]string, error) {
	data, err := c.GetSecret(fmt.Sprintf("%s/database", c.mountPrefix))
	if err != nil {
		return nil, err
	}
	return stringify(data), nil
}

// GetRedisCredentials retrieves this service's Redis credentials.
func (c *Client) GetRedisCredentials() (map[string]string, error) {
	data, err := c.GetSecret(fmt.Sprintf("%s/redis", c.mountPrefix))
	if err != nil {
		return nil, err
	}
	return stringify(data), nil
}

func stringify(data map[string]interface{}) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// HealthCheck reports whether Vault is reachable and unsealed.
func (c *Client) HealthCheck() error {
	if _, err := c.client.Sys().Health(); err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	return nil
}

// RenewToken renews this client's own Vault token.
func (c *Client) RenewToken() error {
	if _, err := c.client.Auth().Token().RenewSelf(0); err != nil {
		return fmt.Errorf("failed to renew vault token: %w", err)
	}
	return nil
}
