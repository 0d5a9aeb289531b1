// Package signing performs signer operations on behalf of applications
// after authorizing them.
package signing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/metrics"
	"github.com/Bidon15/nsigner/internal/nostr"
	"github.com/Bidon15/nsigner/internal/permission"
)

// KeyStore is the subset of the vault the service needs.
type KeyStore interface {
	IsUnlocked() bool
	Key(id string) (nsigner.KeyInfo, error)
	SignEvent(id string, e *nostr.Event) error
	SharedSecret(id string, peer []byte) ([]byte, error)
}

// Authorizer decides and records permission.
type Authorizer interface {
	Authorize(ctx context.Context, appID string, op nsigner.Operation, kind int) (nsigner.Decision, permission.Reservation)
	Release(ctx context.Context, r permission.Reservation) error
	RecordApproval(ctx context.Context, appID string) error
}

// Approver asks the user.
type Approver interface {
	Submit(appID string, op nsigner.Operation, summary string) string
	Await(ctx context.Context, id string) (nsigner.Resolution, error)
}

// Request is one operation asked for by an application.
type Request struct {
	AppID     string
	Operation nsigner.Operation
	// KeyID selects the signing key; empty means the active key.
	KeyID string
	// Event is the unsigned event for sign_event, or the zap request or
	// receipt for decrypt_zap_event.
	Event []byte
	// PeerPubKey is the counterparty of nip04/nip44 operations, hex or npub.
	PeerPubKey string
	// Text is the plaintext to encrypt or the payload to decrypt.
	Text string
}

// Result carries the output of a successful request. Only the field for
// the requested operation is set.
type Result struct {
	PublicKey string       `json:"public_key,omitempty"`
	Event     *nostr.Event `json:"event,omitempty"`
	Text      string       `json:"text,omitempty"`
}

// Service is the SigningService.
type Service struct {
	keys      KeyStore
	perms     Authorizer
	approvals Approver
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(keys KeyStore, perms Authorizer, approvals Approver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		keys:      keys,
		perms:     perms,
		approvals: approvals,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle authorizes and performs req.
//
// A locked vault fails with ErrSignerLocked before the permission engine
// is consulted. Requests needing approval suspend until the user decides
// or the approval times out. A successful operation counts toward the
// app's auto-approval window; a failed one does not.
func (s *Service) Handle(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := s.handle(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = nsigner.Code(err)
	}
	metrics.RequestsTotal.WithLabelValues(string(req.Operation), outcome).Inc()
	metrics.RequestDuration.WithLabelValues(string(req.Operation)).Observe(time.Since(start).Seconds())

	if err != nil {
		s.logger.Info("request failed",
			slog.String("app_id", req.AppID),
			slog.String("operation", string(req.Operation)),
			slog.String("code", outcome),
			slog.String("error", err.Error()),
		)
	}
	return res, err
}

func (s *Service) handle(ctx context.Context, req Request) (Result, error) {
	if !s.keys.IsUnlocked() {
		return Result{}, nsigner.ErrSignerLocked
	}
	if req.AppID == "" {
		return Result{}, nsigner.NewValidationError("app_id", "is required")
	}

	p, err := s.prepare(req)
	if err != nil {
		return Result{}, err
	}

	held, err := s.authorize(ctx, req, p)
	if err != nil {
		return Result{}, err
	}

	res, err := s.execute(req, p)
	if err != nil {
		if err := s.perms.Release(context.WithoutCancel(ctx), held); err != nil {
			s.logger.Warn("failed to release rate slot",
				slog.String("app_id", req.AppID),
				slog.String("error", err.Error()),
			)
		}
		return Result{}, err
	}

	// An auto-approved operation was counted when its slot was reserved.
	if !held.Held() && req.Operation != nsigner.OpGetPublicKey {
		if err := s.perms.RecordApproval(ctx, req.AppID); err != nil {
			s.logger.Warn("failed to record approval",
				slog.String("app_id", req.AppID),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, nil
}

// prepared holds the decoded request payload.
type prepared struct {
	event *nostr.Event
	peer  []byte
	kind  int
}

func (s *Service) prepare(req Request) (*prepared, error) {
	p := &prepared{}
	switch req.Operation {
	case nsigner.OpGetPublicKey:
	case nsigner.OpSignEvent:
		e, err := nostr.ParseEvent(req.Event)
		if err != nil {
			return nil, err
		}
		if e.CreatedAt == 0 {
			e.CreatedAt = s.now().Unix()
		}
		p.event, p.kind = e, e.Kind
	case nsigner.OpNip04Encrypt, nsigner.OpNip44Encrypt:
		peer, err := nostr.ParsePublicKey(req.PeerPubKey)
		if err != nil {
			return nil, err
		}
		p.peer = peer
	case nsigner.OpNip04Decrypt, nsigner.OpNip44Decrypt:
		peer, err := nostr.ParsePublicKey(req.PeerPubKey)
		if err != nil {
			return nil, err
		}
		if req.Text == "" {
			return nil, nsigner.NewValidationError("ciphertext", "is required")
		}
		p.peer = peer
	case nsigner.OpDecryptZapEvent:
		e, err := nostr.ParseEvent(req.Event)
		if err != nil {
			return nil, err
		}
		zap, err := nostr.ZapRequest(e)
		if err != nil {
			return nil, err
		}
		if zap.Content == "" {
			return nil, nsigner.NewValidationError("content", "zap request carries no encrypted content")
		}
		p.event = zap
	default:
		return nil, fmt.Errorf("%w: %q", nsigner.ErrUnknownOperation, req.Operation)
	}
	return p, nil
}

// authorize returns the rate slot held by an auto-approved request, or the
// zero Reservation when the user approved it.
func (s *Service) authorize(ctx context.Context, req Request, p *prepared) (permission.Reservation, error) {
	d, held := s.perms.Authorize(ctx, req.AppID, req.Operation, p.kind)
	switch d {
	case nsigner.Allowed:
		return held, nil
	case nsigner.Denied:
		return permission.Reservation{}, fmt.Errorf("%w: %s may not %s", nsigner.ErrPermissionDenied, req.AppID, req.Operation)
	}

	id := s.approvals.Submit(req.AppID, req.Operation, summarize(req, p))
	res, err := s.approvals.Await(ctx, id)
	if err != nil {
		return permission.Reservation{}, fmt.Errorf("%w: %v", nsigner.ErrRequestTimedOut, err)
	}
	switch res {
	case nsigner.Approved:
		return permission.Reservation{}, nil
	case nsigner.Expired:
		return permission.Reservation{}, nsigner.ErrRequestTimedOut
	default:
		return permission.Reservation{}, fmt.Errorf("%w: denied by user", nsigner.ErrPermissionDenied)
	}
}

func (s *Service) execute(req Request, p *prepared) (Result, error) {
	switch req.Operation {
	case nsigner.OpGetPublicKey:
		info, err := s.keys.Key(req.KeyID)
		if err != nil {
			return Result{}, err
		}
		return Result{PublicKey: info.PublicKey}, nil

	case nsigner.OpSignEvent:
		if err := s.keys.SignEvent(req.KeyID, p.event); err != nil {
			return Result{}, cryptoError(err)
		}
		return Result{Event: p.event}, nil

	case nsigner.OpNip04Encrypt, nsigner.OpNip04Decrypt, nsigner.OpNip44Encrypt, nsigner.OpNip44Decrypt:
		shared, err := s.keys.SharedSecret(req.KeyID, p.peer)
		if err != nil {
			return Result{}, cryptoError(err)
		}
		out, err := cipherText(req.Operation, shared, req.Text)
		if err != nil {
			return Result{}, cryptoError(err)
		}
		return Result{Text: out}, nil

	case nsigner.OpDecryptZapEvent:
		return s.decryptZap(req.KeyID, p.event)
	}
	return Result{}, fmt.Errorf("%w: %q", nsigner.ErrUnknownOperation, req.Operation)
}

func (s *Service) decryptZap(keyID string, zap *nostr.Event) (Result, error) {
	info, err := s.keys.Key(keyID)
	if err != nil {
		return Result{}, err
	}
	counterparty, err := nostr.ZapCounterparty(zap, info.PublicKey)
	if err != nil {
		return Result{}, err
	}
	peer, err := nostr.ParsePublicKey(counterparty)
	if err != nil {
		return Result{}, err
	}
	shared, err := s.keys.SharedSecret(keyID, peer)
	if err != nil {
		return Result{}, cryptoError(err)
	}
	var out string
	if nostr.IsNip04Payload(zap.Content) {
		out, err = nostr.Nip04Decrypt(shared, zap.Content)
	} else {
		out, err = nostr.Nip44Decrypt(nostr.Nip44ConversationKey(shared), zap.Content)
	}
	if err != nil {
		return Result{}, cryptoError(err)
	}
	return Result{Text: out}, nil
}

func cipherText(op nsigner.Operation, shared []byte, text string) (string, error) {
	switch op {
	case nsigner.OpNip04Encrypt:
		return nostr.Nip04Encrypt(shared, text)
	case nsigner.OpNip04Decrypt:
		return nostr.Nip04Decrypt(shared, text)
	case nsigner.OpNip44Encrypt:
		return nostr.Nip44Encrypt(nostr.Nip44ConversationKey(shared), text)
	default:
		return nostr.Nip44Decrypt(nostr.Nip44ConversationKey(shared), text)
	}
}

// cryptoError keeps classified errors and folds the rest into ErrCryptoError.
func cryptoError(err error) error {
	if nsigner.Code(err) != nsigner.CodeInternal {
		return err
	}
	return fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
}

const summaryContentLen = 80

// summarize describes a request for the approval prompt. Decryption
// payloads are never included.
func summarize(req Request, p *prepared) string {
	switch req.Operation {
	case nsigner.OpSignEvent:
		return fmt.Sprintf("sign kind %d event: %s", p.event.Kind, truncate(p.event.Content, summaryContentLen))
	case nsigner.OpNip04Encrypt, nsigner.OpNip44Encrypt:
		return fmt.Sprintf("encrypt %d bytes for %s", len(req.Text), shortKey(req.PeerPubKey))
	case nsigner.OpNip04Decrypt, nsigner.OpNip44Decrypt:
		return fmt.Sprintf("decrypt message from %s", shortKey(req.PeerPubKey))
	case nsigner.OpDecryptZapEvent:
		return "decrypt private zap"
	default:
		return "read public key"
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func shortKey(k string) string {
	if len(k) <= 16 {
		return k
	}
	return k[:12] + "..." + k[len(k)-4:]
}
