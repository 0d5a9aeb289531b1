package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/api"
	"github.com/Bidon15/nsigner/internal/app"
	"github.com/Bidon15/nsigner/internal/approval"
	"github.com/Bidon15/nsigner/internal/permission"
)

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.Get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VaultStatus returns the vault status.
func (c *Client) VaultStatus(ctx context.Context) (*app.VaultStatus, error) {
	var resp app.VaultStatus
	if err := c.Get(ctx, "/v1/vault/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unlock unlocks (or initializes) the vault.
func (c *Client) Unlock(ctx context.Context, passphrase string) (*app.VaultStatus, error) {
	var resp app.VaultStatus
	if err := c.Post(ctx, "/v1/vault/unlock", api.UnlockRequest{Passphrase: passphrase}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lock locks the vault.
func (c *Client) Lock(ctx context.Context) error {
	return c.Post(ctx, "/v1/vault/lock", nil, nil)
}

// ChangePassphrase re-encrypts the vault.
func (c *Client) ChangePassphrase(ctx context.Context, oldPass, newPass string) error {
	return c.Post(ctx, "/v1/vault/passphrase", api.ChangePassphraseRequest{
		OldPassphrase: oldPass,
		NewPassphrase: newPass,
	}, nil)
}

// ListKeys returns every key's public metadata.
func (c *Client) ListKeys(ctx context.Context) ([]nsigner.KeyInfo, error) {
	var resp api.KeysResponse
	if err := c.Get(ctx, "/v1/keys", &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// CreateKey generates a key.
func (c *Client) CreateKey(ctx context.Context, label string) (*nsigner.KeyInfo, error) {
	return c.postKey(ctx, "/v1/keys", api.CreateKeyRequest{Label: label})
}

// ImportKey imports an nsec or hex secret.
func (c *Client) ImportKey(ctx context.Context, req api.ImportKeyRequest) (*nsigner.KeyInfo, error) {
	return c.postKey(ctx, "/v1/keys/import", req)
}

// ImportEncrypted imports an ncryptsec.
func (c *Client) ImportEncrypted(ctx context.Context, req api.ImportEncryptedRequest) (*nsigner.KeyInfo, error) {
	return c.postKey(ctx, "/v1/keys/import/encrypted", req)
}

// ImportMnemonic imports a NIP-06 key.
func (c *Client) ImportMnemonic(ctx context.Context, req api.ImportMnemonicRequest) (*nsigner.KeyInfo, error) {
	return c.postKey(ctx, "/v1/keys/import/mnemonic", req)
}

// GenerateMnemonic returns a fresh mnemonic.
func (c *Client) GenerateMnemonic(ctx context.Context) (string, error) {
	var resp api.MnemonicResponse
	if err := c.Get(ctx, "/v1/keys/mnemonic", &resp); err != nil {
		return "", err
	}
	return resp.Mnemonic, nil
}

// ExportKey exports key material.
func (c *Client) ExportKey(ctx context.Context, keyID string, req api.ExportKeyRequest) (*api.ExportKeyResponse, error) {
	var resp api.ExportKeyResponse
	if err := c.Post(ctx, "/v1/keys/"+url.PathEscape(keyID)+"/export", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActivateKey makes keyID the active key.
func (c *Client) ActivateKey(ctx context.Context, keyID string) (*nsigner.KeyInfo, error) {
	return c.postKey(ctx, "/v1/keys/"+url.PathEscape(keyID)+"/activate", nil)
}

// DeleteKey removes a key.
func (c *Client) DeleteKey(ctx context.Context, keyID string) error {
	return c.Delete(ctx, "/v1/keys/"+url.PathEscape(keyID))
}

func (c *Client) postKey(ctx context.Context, path string, body interface{}) (*nsigner.KeyInfo, error) {
	var resp nsigner.KeyInfo
	if err := c.Post(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListGrants returns every grant.
func (c *Client) ListGrants(ctx context.Context) ([]permission.Grant, error) {
	var resp []permission.Grant
	if err := c.Get(ctx, "/v1/grants", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PutGrant creates or replaces the grant for appID.
func (c *Client) PutGrant(ctx context.Context, appID string, req api.GrantRequest) (*permission.Grant, error) {
	var resp permission.Grant
	if err := c.Put(ctx, "/v1/grants/"+url.PathEscape(appID), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeGrant removes the grant for appID.
func (c *Client) RevokeGrant(ctx context.Context, appID string) error {
	return c.Delete(ctx, "/v1/grants/"+url.PathEscape(appID))
}

// ListApprovals returns pending approval requests.
func (c *Client) ListApprovals(ctx context.Context) ([]approval.Request, error) {
	var resp []approval.Request
	if err := c.Get(ctx, "/v1/approvals", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// WatchApprovals streams pending and newly submitted approval requests to
// fn until ctx is done, the server ends the stream or fn returns an error.
// A request may be delivered more than once.
func (c *Client) WatchApprovals(ctx context.Context, fn func(approval.Request) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/approvals/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Code: nsigner.CodeInternal}
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && event == "approval":
			var r approval.Request
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &r); err != nil {
				return fmt.Errorf("failed to parse event: %w", err)
			}
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream: %w", err)
	}
	return ctx.Err()
}

// ResolveApproval approves or denies a pending request.
func (c *Client) ResolveApproval(ctx context.Context, id string, approved bool) error {
	action := "deny"
	if approved {
		action = "approve"
	}
	return c.Post(ctx, "/v1/approvals/"+url.PathEscape(id)+"/"+action, nil, nil)
}

// BunkerStatus returns the remote-signing session state.
func (c *Client) BunkerStatus(ctx context.Context) (*app.BunkerStatus, error) {
	return c.bunker(ctx, "status")
}

// StartBunker starts the remote-signing session.
func (c *Client) StartBunker(ctx context.Context) (*app.BunkerStatus, error) {
	return c.bunker(ctx, "start")
}

// StopBunker stops the remote-signing session.
func (c *Client) StopBunker(ctx context.Context) (*app.BunkerStatus, error) {
	return c.bunker(ctx, "stop")
}

func (c *Client) bunker(ctx context.Context, action string) (*app.BunkerStatus, error) {
	var resp app.BunkerStatus
	var err error
	if action == "status" {
		err = c.Get(ctx, "/v1/bunker/status", &resp)
	} else {
		err = c.Post(ctx, "/v1/bunker/"+action, nil, &resp)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
