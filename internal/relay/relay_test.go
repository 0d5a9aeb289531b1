package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/nostr"
)

// fakeRelay is a minimal NIP-01 relay: it accepts every EVENT, records
// REQs and lets the test push events to subscribers.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   bool

	mu     sync.Mutex
	conns  []*websocket.Conn
	reqs   []string
	events []*nostr.Event
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, ws)
	r.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
			continue
		}
		var label string
		_ = json.Unmarshal(msg[0], &label)
		switch label {
		case "REQ":
			var id string
			_ = json.Unmarshal(msg[1], &id)
			r.mu.Lock()
			r.reqs = append(r.reqs, id)
			r.mu.Unlock()
			r.send(ws, []any{"EOSE", id})
		case "EVENT":
			var e nostr.Event
			_ = json.Unmarshal(msg[1], &e)
			r.mu.Lock()
			r.events = append(r.events, &e)
			reject := r.reject
			r.mu.Unlock()
			if reject {
				r.send(ws, []any{"OK", e.ID, false, "blocked: test"})
			} else {
				r.send(ws, []any{"OK", e.ID, true, ""})
			}
		}
	}
}

func (r *fakeRelay) send(ws *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = ws.WriteMessage(websocket.TextMessage, data)
}

func (r *fakeRelay) push(subID string, e *nostr.Event) {
	r.mu.Lock()
	conns := append([]*websocket.Conn{}, r.conns...)
	r.mu.Unlock()
	for _, ws := range conns {
		r.send(ws, []any{"EVENT", subID, e})
	}
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.conns {
		_ = ws.Close()
	}
	r.conns = nil
}

func (r *fakeRelay) reqCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.reqs {
		if got == id {
			n++
		}
	}
	return n
}

func testOptions() Options {
	return Options{DialTimeout: time.Second, ReconnectMin: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}
}

func signedEvent(t *testing.T, content string) *nostr.Event {
	t.Helper()
	secret, err := nostr.GenerateSecretKey()
	require.NoError(t, err)
	e := &nostr.Event{Kind: 1, CreatedAt: time.Now().Unix(), Tags: nostr.Tags{}, Content: content}
	require.NoError(t, e.Sign(secret))
	return e
}

func waitConnected(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Connected() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestPool_PublishAndSubscribe(t *testing.T) {
	relay := newFakeRelay(t)
	p, err := NewPool(context.Background(), []string{relay.URL()}, testOptions())
	require.NoError(t, err)
	defer p.Close()

	p.Subscribe("sub1", Filter{Kinds: []int{nostr.KindNostrConnect}, PTags: []string{"abc"}})
	waitConnected(t, p, 1)
	require.Eventually(t, func() bool { return relay.reqCount("sub1") == 1 }, 2*time.Second, 5*time.Millisecond)

	e := signedEvent(t, "hello")
	require.NoError(t, p.Publish(context.Background(), e))

	relay.push("sub1", e)
	select {
	case in := <-p.Events():
		assert.Equal(t, "sub1", in.SubID)
		assert.Equal(t, relay.URL(), in.Relay)
		assert.Equal(t, e.ID, in.Event.ID)
		assert.NoError(t, in.Event.Verify())
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPool_ReconnectReplaysSubscriptions(t *testing.T) {
	relay := newFakeRelay(t)
	p, err := NewPool(context.Background(), []string{relay.URL()}, testOptions())
	require.NoError(t, err)
	defer p.Close()

	p.Subscribe("sub1", Filter{Kinds: []int{1}})
	require.Eventually(t, func() bool { return relay.reqCount("sub1") == 1 }, 2*time.Second, 5*time.Millisecond)

	relay.dropAll()
	require.Eventually(t, func() bool { return relay.reqCount("sub1") >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPool_PublishPartialFailure(t *testing.T) {
	up := newFakeRelay(t)
	down := newFakeRelay(t)
	down.srv.Close()

	p, err := NewPool(context.Background(), []string{up.URL(), down.URL()}, testOptions())
	require.NoError(t, err)
	defer p.Close()
	waitConnected(t, p, 1)

	assert.NoError(t, p.Publish(context.Background(), signedEvent(t, "x")))
}

func TestPool_PublishAllFail(t *testing.T) {
	down := newFakeRelay(t)
	down.srv.Close()

	p, err := NewPool(context.Background(), []string{down.URL()}, testOptions())
	require.NoError(t, err)
	defer p.Close()

	err = p.Publish(context.Background(), signedEvent(t, "x"))
	assert.ErrorIs(t, err, nsigner.ErrRelayUnavailable)
}

func TestPool_PublishRejected(t *testing.T) {
	relay := newFakeRelay(t)
	relay.reject = true
	p, err := NewPool(context.Background(), []string{relay.URL()}, testOptions())
	require.NoError(t, err)
	defer p.Close()
	waitConnected(t, p, 1)

	err = p.Publish(context.Background(), signedEvent(t, "x"))
	assert.ErrorIs(t, err, nsigner.ErrRelayUnavailable)
	assert.ErrorContains(t, err, "blocked: test")
}

func TestPool_CloseEndsEvents(t *testing.T) {
	relay := newFakeRelay(t)
	p, err := NewPool(context.Background(), []string{relay.URL()}, testOptions())
	require.NoError(t, err)
	waitConnected(t, p, 1)

	p.Close()
	p.Close()
	_, open := <-p.Events()
	assert.False(t, open)
	assert.Zero(t, p.Connected())
}

func TestNewPool_NoRelays(t *testing.T) {
	_, err := NewPool(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, nsigner.ErrRelayUnavailable)
}

func TestDecodeFrame(t *testing.T) {
	f, err := decodeFrame([]byte(`["OK","abc",false,"duplicate: seen"]`))
	require.NoError(t, err)
	assert.Equal(t, "OK", f.label)
	assert.Equal(t, "abc", f.eventID)
	assert.False(t, f.ok)
	assert.Equal(t, "duplicate: seen", f.message)

	f, err = decodeFrame([]byte(`["NOTICE","slow down"]`))
	require.NoError(t, err)
	assert.Equal(t, "slow down", f.message)

	f, err = decodeFrame([]byte(`["CLOSED","sub1","auth-required: no"]`))
	require.NoError(t, err)
	assert.Equal(t, "sub1", f.subID)

	for _, bad := range []string{`{}`, `[]`, `["EVENT","sub"]`, `["OK","id"]`, `["WHAT"]`, `[1]`} {
		_, err := decodeFrame([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestFilterEncoding(t *testing.T) {
	data, err := encodeReq("s", Filter{Kinds: []int{24133}, PTags: []string{"ab"}, Since: 10})
	require.NoError(t, err)
	assert.JSONEq(t, `["REQ","s",{"kinds":[24133],"#p":["ab"],"since":10}]`, string(data))
}
