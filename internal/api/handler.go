package api

import (
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/Bidon15/nsigner/internal/app"
	"github.com/Bidon15/nsigner/internal/permission"
)

// Handler serves the control API: vault, keys, grants, approvals and the
// bunker session.
type Handler struct {
	app      *app.App
	validate *validator.Validate
}

// NewHandler creates a new control API handler.
func NewHandler(a *app.App) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{app: a, validate: v}
}

// Vault

// VaultStatus handles GET /v1/vault/status.
func (h *Handler) VaultStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.VaultStatus())
}

// Unlock handles POST /v1/vault/unlock.
func (h *Handler) Unlock(c *gin.Context) {
	var req UnlockRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.app.Unlock(req.Passphrase); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.VaultStatus())
}

// Lock handles POST /v1/vault/lock.
func (h *Handler) Lock(c *gin.Context) {
	h.app.Lock()
	c.JSON(http.StatusOK, h.app.VaultStatus())
}

// ChangePassphrase handles POST /v1/vault/passphrase.
func (h *Handler) ChangePassphrase(c *gin.Context) {
	var req ChangePassphraseRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.app.ChangePassphrase(req.OldPassphrase, req.NewPassphrase); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// Keys

// ListKeys handles GET /v1/keys. Public metadata only; works while locked.
func (h *Handler) ListKeys(c *gin.Context) {
	keys := h.app.ListKeys()
	c.JSON(http.StatusOK, KeysResponse{Keys: keys, Count: len(keys)})
}

// CreateKey handles POST /v1/keys.
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if !h.bind(c, &req) {
		return
	}
	key, err := h.app.CreateKey(req.Label)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

// ImportKey handles POST /v1/keys/import.
func (h *Handler) ImportKey(c *gin.Context) {
	var req ImportKeyRequest
	if !h.bind(c, &req) {
		return
	}
	key, err := h.app.ImportKey(req.Secret, req.Label)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

// ImportEncrypted handles POST /v1/keys/import/encrypted.
func (h *Handler) ImportEncrypted(c *gin.Context) {
	var req ImportEncryptedRequest
	if !h.bind(c, &req) {
		return
	}
	key, err := h.app.ImportEncrypted(req.Ncryptsec, req.Password, req.Label)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

// ImportMnemonic handles POST /v1/keys/import/mnemonic.
func (h *Handler) ImportMnemonic(c *gin.Context) {
	var req ImportMnemonicRequest
	if !h.bind(c, &req) {
		return
	}
	key, err := h.app.ImportMnemonic(req.Mnemonic, req.Passphrase, req.Account, req.Label)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

// GenerateMnemonic handles GET /v1/keys/mnemonic. Nothing is stored.
func (h *Handler) GenerateMnemonic(c *gin.Context) {
	m, err := h.app.GenerateMnemonic()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, MnemonicResponse{Mnemonic: m})
}

// ExportKey handles POST /v1/keys/:id/export.
func (h *Handler) ExportKey(c *gin.Context) {
	var req ExportKeyRequest
	if !h.bind(c, &req) {
		return
	}
	keyID := c.Param("id")

	var (
		secret string
		err    error
	)
	if req.Format == "ncryptsec" {
		secret, err = h.app.ExportEncrypted(keyID, req.Password, req.LogN)
	} else {
		secret, err = h.app.ExportSecret(keyID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExportKeyResponse{
		KeyID:   keyID,
		Format:  req.Format,
		Secret:  secret,
		Warning: "Store this key securely. Anyone holding it can sign as you.",
	})
}

// ActivateKey handles POST /v1/keys/:id/activate.
func (h *Handler) ActivateKey(c *gin.Context) {
	if err := h.app.SetActiveKey(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	key, err := h.app.GetPublicKey(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

// DeleteKey handles DELETE /v1/keys/:id.
func (h *Handler) DeleteKey(c *gin.Context) {
	if err := h.app.DeleteKey(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "deleted"})
}

// Grants

// ListGrants handles GET /v1/grants.
func (h *Handler) ListGrants(c *gin.Context) {
	grants, err := h.app.Grants(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, grants)
}

// GetGrant handles GET /v1/grants/:app_id.
func (h *Handler) GetGrant(c *gin.Context) {
	g, err := h.app.GetGrant(c.Request.Context(), c.Param("app_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// PutGrant handles PUT /v1/grants/:app_id. It replaces the whole grant;
// created_at survives.
func (h *Handler) PutGrant(c *gin.Context) {
	var req GrantRequest
	if !h.bind(c, &req) {
		return
	}
	g := &permission.Grant{
		AppID:             c.Param("app_id"),
		Name:              req.Name,
		AllowedEventKinds: req.AllowedEventKinds,
		Nip04Allowed:      req.Nip04Allowed,
		Nip44Allowed:      req.Nip44Allowed,
		AutoApprove:       req.AutoApprove,
	}
	ctx := c.Request.Context()
	if err := h.app.Grant(ctx, g); err != nil {
		respondError(c, err)
		return
	}
	stored, err := h.app.GetGrant(ctx, g.AppID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// RevokeGrant handles DELETE /v1/grants/:app_id.
func (h *Handler) RevokeGrant(c *gin.Context) {
	if err := h.app.Revoke(c.Request.Context(), c.Param("app_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "revoked"})
}

// Approvals

// ListApprovals handles GET /v1/approvals.
func (h *Handler) ListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.PendingApprovals())
}

// sseKeepAlive is the comment interval on idle approval streams.
const sseKeepAlive = 15 * time.Second

// WatchApprovals handles GET /v1/approvals/events. It sends the pending
// requests, then every new one, as server-sent "approval" events until the
// client disconnects. Ids may repeat between the snapshot and the stream.
func (h *Handler) WatchApprovals(c *gin.Context) {
	ch, cancel := h.app.Approvals().Subscribe(16)
	defer cancel()

	// Streams outlive the server write timeout. Writers that cannot clear
	// the deadline are cut off and clients reconnect.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	for _, r := range h.app.PendingApprovals() {
		c.SSEvent("approval", r)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case r, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("approval", r)
			return true
		case <-ticker.C:
			_, err := fmt.Fprint(w, ": keepalive\n\n")
			return err == nil
		}
	})
}

// Approve handles POST /v1/approvals/:id/approve.
func (h *Handler) Approve(c *gin.Context) {
	h.resolve(c, true)
}

// Deny handles POST /v1/approvals/:id/deny.
func (h *Handler) Deny(c *gin.Context) {
	h.resolve(c, false)
}

func (h *Handler) resolve(c *gin.Context, approved bool) {
	if err := h.app.ResolveApproval(c.Param("id"), approved); err != nil {
		respondError(c, err)
		return
	}
	status := "denied"
	if approved {
		status = "approved"
	}
	c.JSON(http.StatusOK, StatusResponse{Status: status})
}

// Bunker

// StartBunker handles POST /v1/bunker/start.
func (h *Handler) StartBunker(c *gin.Context) {
	if _, err := h.app.StartBunker(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.BunkerStatus())
}

// StopBunker handles POST /v1/bunker/stop.
func (h *Handler) StopBunker(c *gin.Context) {
	if err := h.app.StopBunker(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.BunkerStatus())
}

// BunkerStatus handles GET /v1/bunker/status.
func (h *Handler) BunkerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.BunkerStatus())
}
