// Package bunker implements the NIP-46 remote signer: it listens on relays
// for encrypted requests addressed to an ephemeral transport key and
// answers them through the signing service.
package bunker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/metrics"
	"github.com/Bidon15/nsigner/internal/nostr"
	"github.com/Bidon15/nsigner/internal/relay"
	"github.com/Bidon15/nsigner/internal/signing"
)

const publishTimeout = 10 * time.Second

// Transport is the relay connection a session runs over.
type Transport interface {
	Subscribe(id string, f relay.Filter)
	Events() <-chan relay.Incoming
	Publish(ctx context.Context, e *nostr.Event) error
	Close()
}

// Dialer opens a transport to relays.
type Dialer func(ctx context.Context, relays []string) (Transport, error)

// PoolDialer dials a relay.Pool.
func PoolDialer(opts relay.Options) Dialer {
	return func(ctx context.Context, relays []string) (Transport, error) {
		return relay.NewPool(ctx, relays, opts)
	}
}

// Signer fulfils forwarded requests.
type Signer interface {
	Handle(ctx context.Context, req signing.Request) (signing.Result, error)
}

// Config configures an Engine.
type Config struct {
	Relays    []string
	Secret    string // optional; when set, pairing requires connect with it
	DedupSize int
	Dial      Dialer
	Signer    Signer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine is the BunkerEngine. One session runs at a time.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   nsigner.BunkerState
	session *session
}

type session struct {
	key       *memguard.LockedBuffer
	pubHex    string
	uri       string
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	seen      *seenSet

	// pubMu orders publishes against Stop.
	pubMu    sync.RWMutex
	stopping bool

	// client is the paired counterparty, touched only by the worker and
	// under Engine.mu for readers.
	client string
}

// New creates an Engine in the Stopped state.
func New(cfg Config) (*Engine, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("bunker: signer is required")
	}
	if cfg.Dial == nil {
		return nil, fmt.Errorf("bunker: dialer is required")
	}
	e := &Engine{cfg: cfg, logger: cfg.Logger, now: cfg.Now, state: nsigner.BunkerStopped}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Start mints a fresh transport key, subscribes on every relay and returns
// the connection URI. Relays that cannot be reached yet are retried in the
// background.
func (e *Engine) Start(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.state != nsigner.BunkerStopped {
		e.mu.Unlock()
		return "", nsigner.ErrBunkerRunning
	}
	if len(e.cfg.Relays) == 0 {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: no relays configured", nsigner.ErrRelayUnavailable)
	}
	e.state = nsigner.BunkerStarting
	e.mu.Unlock()

	s, err := e.newSession(ctx)
	if err != nil {
		e.mu.Lock()
		e.state = nsigner.BunkerStopped
		e.mu.Unlock()
		return "", err
	}

	e.mu.Lock()
	e.session = s
	e.state = nsigner.BunkerListening
	e.mu.Unlock()

	go e.work(s)

	e.logger.Info("bunker listening",
		slog.String("transport_pubkey", s.pubHex),
		slog.Int("relays", len(e.cfg.Relays)),
	)
	return s.uri, nil
}

func (e *Engine) newSession(ctx context.Context) (*session, error) {
	secret, err := nostr.GenerateSecretKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nsigner.ErrCryptoError, err)
	}
	pubHex, err := nostr.PublicKeyHex(secret)
	if err != nil {
		memguard.WipeBytes(secret)
		return nil, err
	}
	key := memguard.NewBufferFromBytes(secret)

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	transport, err := e.cfg.Dial(sctx, e.cfg.Relays)
	if err != nil {
		cancel()
		key.Destroy()
		return nil, err
	}
	transport.Subscribe(uuid.NewString(), relay.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		PTags: []string{pubHex},
		Since: e.now().Unix(),
	})

	return &session{
		key:       key,
		pubHex:    pubHex,
		uri:       buildURI(pubHex, e.cfg.Relays, e.cfg.Secret),
		transport: transport,
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		seen:      newSeenSet(e.cfg.DedupSize),
	}, nil
}

// Stop ends the session. The request being processed is abandoned: its
// context is cancelled and no response is published once Stop has begun.
func (e *Engine) Stop() error {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return nsigner.ErrBunkerNotRunning
	}
	e.session = nil
	e.mu.Unlock()

	s.cancel()
	s.pubMu.Lock()
	s.stopping = true
	s.pubMu.Unlock()

	s.transport.Close()
	<-s.done
	s.key.Destroy()

	e.mu.Lock()
	e.state = nsigner.BunkerStopped
	e.mu.Unlock()

	e.logger.Info("bunker stopped", slog.String("transport_pubkey", s.pubHex))
	return nil
}

// State returns the session state.
func (e *Engine) State() nsigner.BunkerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// URI returns the connection URI of the running session.
func (e *Engine) URI() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return "", nsigner.ErrBunkerNotRunning
	}
	return e.session.uri, nil
}

// ClientPubkey returns the paired counterparty, or "" when unpaired.
func (e *Engine) ClientPubkey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.client
}

// work processes inbound messages one at a time until the transport closes.
func (e *Engine) work(s *session) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case in, ok := <-s.transport.Events():
			if !ok {
				return
			}
			e.process(s, in.Event)
		}
	}
}

func (e *Engine) process(s *session, ev *nostr.Event) {
	if ev == nil || ev.Kind != nostr.KindNostrConnect || ev.Tags.Value("p") != s.pubHex {
		metrics.BunkerMessages.WithLabelValues("ignored").Inc()
		return
	}
	if err := ev.Verify(); err != nil {
		e.logger.Debug("dropping unverifiable message",
			slog.String("id", ev.ID),
			slog.String("error", err.Error()),
		)
		metrics.BunkerMessages.WithLabelValues("invalid").Inc()
		return
	}
	// Only a verified id is marked seen; a bad copy from one relay must not
	// shadow the genuine event arriving from another.
	if !s.seen.add(ev.ID) {
		metrics.BunkerMessages.WithLabelValues("duplicate").Inc()
		return
	}

	sender := ev.PubKey
	e.mu.Lock()
	paired := s.client
	e.mu.Unlock()
	if paired != "" && paired != sender {
		metrics.BunkerMessages.WithLabelValues("ignored").Inc()
		return
	}

	shared, sch, plaintext, err := e.open(s, ev)
	if err != nil {
		e.logger.Debug("dropping undecryptable message",
			slog.String("sender", sender),
			slog.String("error", err.Error()),
		)
		metrics.BunkerMessages.WithLabelValues("invalid").Inc()
		return
	}
	defer memguard.WipeBytes(shared)

	req, err := parseRequest(plaintext)
	if err != nil || !req.Method.known() {
		if paired == "" {
			metrics.BunkerMessages.WithLabelValues("ignored").Inc()
			return
		}
		var id string
		if req != nil {
			id = req.ID
		}
		if id == "" {
			metrics.BunkerMessages.WithLabelValues("invalid").Inc()
			return
		}
		e.reply(s, sender, shared, sch, response{ID: id, Error: nsigner.CodeMalformedRequest})
		return
	}

	if paired == "" {
		if !e.pair(s, sender, req) {
			metrics.BunkerMessages.WithLabelValues("ignored").Inc()
			return
		}
	}

	resp := e.dispatch(s, sender, req)
	e.reply(s, sender, shared, sch, resp)
}

// open decrypts the envelope with the scheme the sender used.
func (e *Engine) open(s *session, ev *nostr.Event) ([]byte, scheme, string, error) {
	peer, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return nil, 0, "", fmt.Errorf("%w: sender pubkey", nsigner.ErrMalformedRequest)
	}
	shared, err := nostr.SharedSecret(s.key.Bytes(), peer)
	if err != nil {
		return nil, 0, "", err
	}
	sch := detectScheme(ev.Content)
	plaintext, err := sch.decrypt(shared, ev.Content)
	if err != nil {
		memguard.WipeBytes(shared)
		return nil, 0, "", err
	}
	return shared, sch, plaintext, nil
}

// pair records sender as the session's counterparty. With a secret
// configured only a connect carrying it may pair.
func (e *Engine) pair(s *session, sender string, req *request) bool {
	if e.cfg.Secret != "" {
		if req.Method != MethodConnect || req.param(1) != e.cfg.Secret {
			return false
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.client = sender
	if e.session == s {
		e.state = nsigner.BunkerPaired
	}
	e.logger.Info("bunker paired", slog.String("client_pubkey", sender))
	return true
}

func (e *Engine) dispatch(s *session, sender string, req *request) response {
	resp := response{ID: req.ID}
	switch req.Method {
	case MethodPing:
		resp.Result = "pong"
		return resp
	case MethodConnect:
		resp.Result = "ack"
		return resp
	}

	sreq := signing.Request{
		AppID:     nsigner.BunkerAppPrefix + sender,
		Operation: methodOps[req.Method],
	}
	switch req.Method {
	case MethodSignEvent:
		sreq.Event = []byte(req.param(0))
	case MethodNip04Encrypt, MethodNip04Decrypt, MethodNip44Encrypt, MethodNip44Decrypt:
		sreq.PeerPubKey = req.param(0)
		sreq.Text = req.param(1)
	}

	res, err := e.cfg.Signer.Handle(s.ctx, sreq)
	if err != nil {
		resp.Error = nsigner.Code(err)
		return resp
	}
	switch req.Method {
	case MethodGetPublicKey:
		resp.Result = res.PublicKey
	case MethodSignEvent:
		b, err := json.Marshal(res.Event)
		if err != nil {
			resp.Error = nsigner.CodeInternal
			return resp
		}
		resp.Result = string(b)
	default:
		resp.Result = res.Text
	}
	return resp
}

// reply encrypts resp to sender and publishes it unless Stop has begun.
func (e *Engine) reply(s *session, sender string, shared []byte, sch scheme, resp response) {
	plaintext, err := json.Marshal(resp)
	if err != nil {
		return
	}
	content, err := sch.encrypt(shared, string(plaintext))
	if err != nil {
		e.logger.Warn("failed to encrypt response", slog.String("error", err.Error()))
		metrics.BunkerMessages.WithLabelValues("error").Inc()
		return
	}
	out := &nostr.Event{
		CreatedAt: e.now().Unix(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", sender}},
		Content:   content,
	}
	if err := out.Sign(s.key.Bytes()); err != nil {
		e.logger.Warn("failed to sign response", slog.String("error", err.Error()))
		metrics.BunkerMessages.WithLabelValues("error").Inc()
		return
	}

	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.stopping || s.ctx.Err() != nil {
		metrics.BunkerMessages.WithLabelValues("abandoned").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	if err := s.transport.Publish(ctx, out); err != nil {
		e.logger.Warn("failed to publish response",
			slog.String("request_id", resp.ID),
			slog.String("error", err.Error()),
		)
		metrics.BunkerMessages.WithLabelValues("undelivered").Inc()
		return
	}

	outcome := "ok"
	if resp.Error != "" {
		outcome = resp.Error
	}
	metrics.BunkerMessages.WithLabelValues(outcome).Inc()
}
