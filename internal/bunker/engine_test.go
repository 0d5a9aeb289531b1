package bunker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/nostr"
	"github.com/Bidon15/nsigner/internal/relay"
	"github.com/Bidon15/nsigner/internal/signing"
)

var testRelays = []string{"wss://relay.one.example", "wss://relay.two.example"}

// memTransport delivers injected events and records published ones.
type memTransport struct {
	events    chan relay.Incoming
	published chan *nostr.Event
	failing   bool

	mu      sync.Mutex
	filters []relay.Filter
	closed  bool
}

func newMemTransport() *memTransport {
	return &memTransport{
		events:    make(chan relay.Incoming, 16),
		published: make(chan *nostr.Event, 16),
	}
}

func (m *memTransport) Subscribe(_ string, f relay.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
}

func (m *memTransport) Events() <-chan relay.Incoming { return m.events }

func (m *memTransport) Publish(_ context.Context, e *nostr.Event) error {
	if m.failing {
		return nsigner.ErrRelayUnavailable
	}
	m.published <- e
	return nil
}

func (m *memTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) Handle(ctx context.Context, req signing.Request) (signing.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(signing.Result), args.Error(1)
}

// client is a remote NIP-46 counterparty.
type client struct {
	secret []byte
	pub    string
}

func newClient(t *testing.T) *client {
	t.Helper()
	secret, err := nostr.GenerateSecretKey()
	require.NoError(t, err)
	pub, err := nostr.PublicKeyHex(secret)
	require.NoError(t, err)
	return &client{secret: secret, pub: pub}
}

func (c *client) shared(t *testing.T, signerPub string) []byte {
	t.Helper()
	peer, err := hex.DecodeString(signerPub)
	require.NoError(t, err)
	shared, err := nostr.SharedSecret(c.secret, peer)
	require.NoError(t, err)
	return shared
}

func (c *client) request(t *testing.T, signerPub string, sch scheme, id string, method Method, params ...string) relay.Incoming {
	t.Helper()
	if params == nil {
		params = []string{}
	}
	body, err := json.Marshal(request{ID: id, Method: method, Params: params})
	require.NoError(t, err)
	content, err := sch.encrypt(c.shared(t, signerPub), string(body))
	require.NoError(t, err)
	e := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", signerPub}},
		Content:   content,
	}
	require.NoError(t, e.Sign(c.secret))
	return relay.Incoming{Relay: testRelays[0], SubID: "s", Event: e}
}

func (c *client) read(t *testing.T, signerPub string, e *nostr.Event) response {
	t.Helper()
	require.NoError(t, e.Verify())
	assert.Equal(t, signerPub, e.PubKey)
	assert.Equal(t, nostr.KindNostrConnect, e.Kind)
	assert.Equal(t, c.pub, e.Tags.Value("p"))
	plaintext, err := detectScheme(e.Content).decrypt(c.shared(t, signerPub), e.Content)
	require.NoError(t, err)
	var resp response
	require.NoError(t, json.Unmarshal([]byte(plaintext), &resp))
	return resp
}

func newTestEngine(t *testing.T, secret string, signer Signer) (*Engine, func() *memTransport) {
	t.Helper()
	var mu sync.Mutex
	var last *memTransport
	e, err := New(Config{
		Relays: testRelays,
		Secret: secret,
		Signer: signer,
		Dial: func(context.Context, []string) (Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			last = newMemTransport()
			return last, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e, func() *memTransport {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func transportPub(t *testing.T, uri string) string {
	t.Helper()
	u, err := url.Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, "bunker", u.Scheme)
	return u.Host
}

func awaitPublished(t *testing.T, tr *memTransport) *nostr.Event {
	t.Helper()
	select {
	case e := <-tr.published:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no response published")
		return nil
	}
}

func assertNothingPublished(t *testing.T, tr *memTransport) {
	t.Helper()
	select {
	case e := <-tr.published:
		t.Fatalf("unexpected response published: %s", e.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngine_StartPingPairIgnore(t *testing.T) {
	e, transport := newTestEngine(t, "", new(mockSigner))
	assert.Equal(t, nsigner.BunkerStopped, e.State())

	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	assert.Len(t, pub, 64)
	for _, r := range testRelays {
		assert.Contains(t, uri, url.QueryEscape(r))
	}
	assert.Equal(t, nsigner.BunkerListening, e.State())

	got, err := e.URI()
	require.NoError(t, err)
	assert.Equal(t, uri, got)

	tr := transport()
	require.Len(t, tr.filters, 1)
	assert.Equal(t, []int{nostr.KindNostrConnect}, tr.filters[0].Kinds)
	assert.Equal(t, []string{pub}, tr.filters[0].PTags)

	alice := newClient(t)
	tr.events <- alice.request(t, pub, schemeNip44, "1", MethodPing)
	resp := alice.read(t, pub, awaitPublished(t, tr))
	assert.Equal(t, response{ID: "1", Result: "pong"}, resp)
	assert.Equal(t, nsigner.BunkerPaired, e.State())
	assert.Equal(t, alice.pub, e.ClientPubkey())

	mallory := newClient(t)
	tr.events <- mallory.request(t, pub, schemeNip44, "2", MethodPing)
	assertNothingPublished(t, tr)
	assert.Equal(t, alice.pub, e.ClientPubkey())
}

func TestEngine_StopAndRestartMintsNewKey(t *testing.T) {
	e, _ := newTestEngine(t, "", new(mockSigner))

	first, err := e.Start(context.Background())
	require.NoError(t, err)
	_, err = e.Start(context.Background())
	assert.ErrorIs(t, err, nsigner.ErrBunkerRunning)

	require.NoError(t, e.Stop())
	assert.Equal(t, nsigner.BunkerStopped, e.State())
	assert.ErrorIs(t, e.Stop(), nsigner.ErrBunkerNotRunning)
	_, err = e.URI()
	assert.ErrorIs(t, err, nsigner.ErrBunkerNotRunning)

	second, err := e.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, transportPub(t, first), transportPub(t, second))
}

func TestEngine_DeduplicatesByEventID(t *testing.T) {
	e, transport := newTestEngine(t, "", new(mockSigner))
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	tr := transport()

	alice := newClient(t)
	msg := alice.request(t, pub, schemeNip44, "1", MethodPing)
	tr.events <- msg
	tr.events <- relay.Incoming{Relay: testRelays[1], SubID: "s", Event: msg.Event}

	awaitPublished(t, tr)
	assertNothingPublished(t, tr)
}

func TestEngine_ForgedCopyDoesNotShadowGenuine(t *testing.T) {
	e, transport := newTestEngine(t, "", new(mockSigner))
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	tr := transport()

	alice := newClient(t)
	msg := alice.request(t, pub, schemeNip44, "1", MethodPing)

	badSig := *msg.Event
	badSig.Sig = flipHex(badSig.Sig)
	tampered := *msg.Event
	tampered.Content = "AA" + tampered.Content[2:]
	tr.events <- relay.Incoming{Relay: testRelays[1], SubID: "s", Event: &badSig}
	tr.events <- relay.Incoming{Relay: testRelays[1], SubID: "s", Event: &tampered}
	tr.events <- msg

	assert.Equal(t, response{ID: "1", Result: "pong"}, alice.read(t, pub, awaitPublished(t, tr)))
	assertNothingPublished(t, tr)
}

// flipHex changes the first digit of a hex string.
func flipHex(s string) string {
	if strings.HasPrefix(s, "0") {
		return "1" + s[1:]
	}
	return "0" + s[1:]
}

func TestEngine_ForwardsToSigner(t *testing.T) {
	signer := new(mockSigner)
	e, transport := newTestEngine(t, "", signer)
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	tr := transport()
	alice := newClient(t)
	appID := nsigner.BunkerAppPrefix + alice.pub

	signed := &nostr.Event{ID: "ee", PubKey: "aa", Kind: 1, Tags: nostr.Tags{}, Sig: "ff"}
	signer.On("Handle", mock.Anything, signing.Request{
		AppID: appID, Operation: nsigner.OpGetPublicKey,
	}).Return(signing.Result{PublicKey: "userpub"}, nil)
	signer.On("Handle", mock.Anything, signing.Request{
		AppID: appID, Operation: nsigner.OpSignEvent, Event: []byte(`{"kind":1}`),
	}).Return(signing.Result{Event: signed}, nil)
	signer.On("Handle", mock.Anything, signing.Request{
		AppID: appID, Operation: nsigner.OpNip44Encrypt, PeerPubKey: "bob", Text: "hi",
	}).Return(signing.Result{}, nsigner.ErrPermissionDenied)

	tr.events <- alice.request(t, pub, schemeNip44, "1", MethodGetPublicKey)
	assert.Equal(t, response{ID: "1", Result: "userpub"}, alice.read(t, pub, awaitPublished(t, tr)))

	tr.events <- alice.request(t, pub, schemeNip44, "2", MethodSignEvent, `{"kind":1}`)
	resp := alice.read(t, pub, awaitPublished(t, tr))
	var got nostr.Event
	require.NoError(t, json.Unmarshal([]byte(resp.Result), &got))
	assert.Equal(t, "ee", got.ID)

	tr.events <- alice.request(t, pub, schemeNip44, "3", MethodNip44Encrypt, "bob", "hi")
	assert.Equal(t, response{ID: "3", Error: nsigner.CodePermissionDenied}, alice.read(t, pub, awaitPublished(t, tr)))

	signer.AssertExpectations(t)
}

func TestEngine_RepliesWithRequestScheme(t *testing.T) {
	e, transport := newTestEngine(t, "", new(mockSigner))
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	tr := transport()

	alice := newClient(t)
	tr.events <- alice.request(t, pub, schemeNip04, "1", MethodPing)
	out := awaitPublished(t, tr)
	assert.True(t, nostr.IsNip04Payload(out.Content))
	assert.Equal(t, "pong", alice.read(t, pub, out).Result)

	tr.events <- alice.request(t, pub, schemeNip44, "2", MethodPing)
	out = awaitPublished(t, tr)
	assert.False(t, nostr.IsNip04Payload(out.Content))
}

func TestEngine_SecretGatesPairing(t *testing.T) {
	e, transport := newTestEngine(t, "hunter2", new(mockSigner))
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(uri, "secret=hunter2"))
	pub := transportPub(t, uri)
	tr := transport()
	alice := newClient(t)

	tr.events <- alice.request(t, pub, schemeNip44, "1", MethodPing)
	assertNothingPublished(t, tr)
	tr.events <- alice.request(t, pub, schemeNip44, "2", MethodConnect, pub, "wrong")
	assertNothingPublished(t, tr)
	assert.Equal(t, nsigner.BunkerListening, e.State())

	tr.events <- alice.request(t, pub, schemeNip44, "3", MethodConnect, pub, "hunter2")
	assert.Equal(t, response{ID: "3", Result: "ack"}, alice.read(t, pub, awaitPublished(t, tr)))
	assert.Equal(t, nsigner.BunkerPaired, e.State())

	tr.events <- alice.request(t, pub, schemeNip44, "4", MethodPing)
	assert.Equal(t, "pong", alice.read(t, pub, awaitPublished(t, tr)).Result)
}

func TestEngine_UnknownMethodAfterPairing(t *testing.T) {
	e, transport := newTestEngine(t, "", new(mockSigner))
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	tr := transport()
	alice := newClient(t)

	// Unknown methods never pair.
	tr.events <- alice.request(t, pub, schemeNip44, "0", "get_relays")
	assertNothingPublished(t, tr)

	tr.events <- alice.request(t, pub, schemeNip44, "1", MethodConnect, pub)
	awaitPublished(t, tr)

	tr.events <- alice.request(t, pub, schemeNip44, "2", "get_relays")
	assert.Equal(t, response{ID: "2", Error: nsigner.CodeMalformedRequest}, alice.read(t, pub, awaitPublished(t, tr)))
}

func TestEngine_IgnoresForeignAndForged(t *testing.T) {
	e, transport := newTestEngine(t, "", new(mockSigner))
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	tr := transport()
	alice := newClient(t)

	// Addressed to another signer.
	other := newClient(t)
	tr.events <- alice.request(t, other.pub, schemeNip44, "1", MethodPing)

	// Tampered after signing.
	forged := alice.request(t, pub, schemeNip44, "2", MethodPing)
	forged.Event.CreatedAt++
	tr.events <- forged

	assertNothingPublished(t, tr)
	assert.Equal(t, nsigner.BunkerListening, e.State())
}

func TestEngine_StopAbandonsInFlight(t *testing.T) {
	signer := new(mockSigner)
	entered := make(chan struct{})
	signer.On("Handle", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(entered)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(signing.Result{}, nsigner.ErrRequestTimedOut)

	e, transport := newTestEngine(t, "", signer)
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	tr := transport()

	alice := newClient(t)
	tr.events <- alice.request(t, pub, schemeNip44, "1", MethodGetPublicKey)
	<-entered

	require.NoError(t, e.Stop())
	assert.Equal(t, nsigner.BunkerStopped, e.State())
	assertNothingPublished(t, tr)
	tr.mu.Lock()
	assert.True(t, tr.closed)
	tr.mu.Unlock()
}

func TestEngine_PublishFailureKeepsSession(t *testing.T) {
	e, transport := newTestEngine(t, "", new(mockSigner))
	uri, err := e.Start(context.Background())
	require.NoError(t, err)
	pub := transportPub(t, uri)
	tr := transport()
	tr.failing = true

	alice := newClient(t)
	tr.events <- alice.request(t, pub, schemeNip44, "1", MethodPing)
	require.Eventually(t, func() bool { return e.State() == nsigner.BunkerPaired }, time.Second, 5*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Signer: new(mockSigner)})
	assert.Error(t, err)

	e, err := New(Config{Signer: new(mockSigner), Dial: func(context.Context, []string) (Transport, error) {
		return newMemTransport(), nil
	}})
	require.NoError(t, err)
	_, err = e.Start(context.Background())
	assert.ErrorIs(t, err, nsigner.ErrRelayUnavailable)
	assert.Equal(t, nsigner.BunkerStopped, e.State())
}

func TestSeenSet_Evicts(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.add("a"))
	assert.False(t, s.add("a"))
	assert.True(t, s.add("b"))
	assert.True(t, s.add("c"))
	assert.True(t, s.add("a"))
	assert.False(t, s.add("c"))
}

func TestBuildURI(t *testing.T) {
	uri := buildURI("ab", []string{"wss://r1", "wss://r2"}, "")
	assert.Equal(t, "bunker://ab?relay=wss%3A%2F%2Fr1&relay=wss%3A%2F%2Fr2", uri)
}
