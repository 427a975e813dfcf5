// Package keyvault provides the HTTP client used to resolve content keys
// for DRM-protected sources. The vault endpoint receives the task's opaque
// protection header and answers with the key pair the decryption tool needs.
package keyvault

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ContentKey is a resolved decryption key pair in hex form.
type ContentKey struct {
	KID string `json:"kid"`
	Key string `json:"key"`
}

// Validate checks that both halves decode as hex.
func (k ContentKey) Validate() error {
	if strings.TrimSpace(k.Key) == "" {
		return errors.New("empty key")
	}
	if _, err := hex.DecodeString(k.Key); err != nil {
		return fmt.Errorf("key is not hex: %w", err)
	}
	if k.KID != "" {
		if _, err := hex.DecodeString(k.KID); err != nil {
			return fmt.Errorf("kid is not hex: %w", err)
		}
	}
	return nil
}

// Config holds vault client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the key vault endpoint.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient constructs a vault client. An empty base URL yields a client
// whose ResolveKey always fails, letting callers surface configuration
// problems at use time rather than startup.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// ResolveKey exchanges the protection header for a content key.
func (c *Client) ResolveKey(ctx context.Context, protectionHeader string) (ContentKey, error) {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base == "" {
		return ContentKey{}, errors.New("key vault url not configured")
	}
	if strings.TrimSpace(protectionHeader) == "" {
		return ContentKey{}, errors.New("protection header missing")
	}

	payload, err := json.Marshal(map[string]string{"protection_header": protectionHeader})
	if err != nil {
		return ContentKey{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/keys", bytes.NewReader(payload))
	if err != nil {
		return ContentKey{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(c.cfg.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ContentKey{}, fmt.Errorf("key vault request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ContentKey{}, fmt.Errorf("key vault responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var key ContentKey
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return ContentKey{}, fmt.Errorf("decode response: %w", err)
	}
	if err := key.Validate(); err != nil {
		return ContentKey{}, fmt.Errorf("invalid key material: %w", err)
	}
	return key, nil
}
