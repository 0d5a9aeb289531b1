package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Bidon15/nsigner/internal/metrics"
	"github.com/Bidon15/nsigner/internal/nostr"
)

var errNotConnected = errors.New("relay: not connected")

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 45 * time.Second
	maxFrameSize = 512 * 1024
)

// Options tune connections.
type Options struct {
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = time.Minute
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is one relay connection. It redials with exponential backoff and
// re-sends active subscriptions after every reconnect.
type Conn struct {
	url    string
	opts   Options
	logger *slog.Logger
	sink   chan<- Incoming

	mu      sync.Mutex
	ws      *websocket.Conn
	subs    map[string]Filter
	waiters map[string]chan error // event id -> OK result

	writeMu sync.Mutex
}

func newConn(url string, opts Options, sink chan<- Incoming) *Conn {
	return &Conn{
		url:     url,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("relay", url)),
		sink:    sink,
		subs:    make(map[string]Filter),
		waiters: make(map[string]chan error),
	}
}

// URL returns the relay URL.
func (c *Conn) URL() string {
	return c.url
}

// Connected reports whether the websocket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// run keeps the connection alive until ctx is done.
func (c *Conn) run(ctx context.Context) {
	backoff := c.opts.ReconnectMin
	for {
		ws, err := c.dial(ctx)
		if err == nil {
			backoff = c.opts.ReconnectMin
			c.serve(ctx, ws)
		} else if ctx.Err() == nil {
			c.logger.Warn("relay dial failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.opts.ReconnectMax)
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	ws, _, err := c.opts.Dialer.DialContext(dctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxFrameSize)
	return ws, nil
}

// serve owns ws until it fails or ctx is done.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	subs := make(map[string]Filter, len(c.subs))
	for id, f := range c.subs {
		subs[id] = f
	}
	c.mu.Unlock()

	metrics.RelayConnections.Inc()
	c.logger.Info("relay connected", slog.Int("subscriptions", len(subs)))

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.ws = nil
		for id, ch := range c.waiters {
			ch <- errNotConnected
			delete(c.waiters, id)
		}
		c.mu.Unlock()
		_ = ws.Close()
		metrics.RelayConnections.Dec()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()
	go c.keepalive(ws, done)

	for id, f := range subs {
		if err := c.sendReq(ws, id, f); err != nil {
			c.logger.Warn("subscription replay failed", slog.String("sub_id", id), slog.String("error", err.Error()))
			return
		}
	}

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("relay connection lost", slog.String("error", err.Error()))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(ctx, data)
	}
}

func (c *Conn) keepalive(ws *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) handle(ctx context.Context, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		c.logger.Debug("ignoring relay frame", slog.String("error", err.Error()))
		return
	}
	switch f.label {
	case "EVENT":
		select {
		case c.sink <- Incoming{Relay: c.url, SubID: f.subID, Event: f.event}:
		case <-ctx.Done():
		}
	case "OK":
		c.mu.Lock()
		ch, ok := c.waiters[f.eventID]
		delete(c.waiters, f.eventID)
		c.mu.Unlock()
		if ok {
			if f.ok {
				ch <- nil
			} else {
				ch <- fmt.Errorf("relay rejected event: %s", f.message)
			}
		}
	case "CLOSED":
		c.logger.Warn("subscription closed by relay", slog.String("sub_id", f.subID), slog.String("message", f.message))
	case "NOTICE":
		c.logger.Info("relay notice", slog.String("message", f.message))
	}
}

func (c *Conn) write(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) sendReq(ws *websocket.Conn, id string, f Filter) error {
	data, err := encodeReq(id, f)
	if err != nil {
		return err
	}
	return c.write(ws, data)
}

// Subscribe registers a subscription, sending it now when connected and
// after every reconnect.
func (c *Conn) Subscribe(id string, f Filter) {
	c.mu.Lock()
	c.subs[id] = f
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		if err := c.sendReq(ws, id, f); err != nil {
			c.logger.Warn("subscribe failed", slog.String("sub_id", id), slog.String("error", err.Error()))
		}
	}
}

// Unsubscribe drops a subscription.
func (c *Conn) Unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	if data, err := encodeClose(id); err == nil {
		_ = c.write(ws, data)
	}
}

// Publish sends e and waits for the relay's OK.
func (c *Conn) Publish(ctx context.Context, e *nostr.Event) error {
	data, err := encodeEvent(e)
	if err != nil {
		return err
	}

	ch := make(chan error, 1)
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return errNotConnected
	}
	c.waiters[e.ID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		if c.waiters[e.ID] == ch {
			delete(c.waiters, e.ID)
		}
		c.mu.Unlock()
	}

	if err := c.write(ws, data); err != nil {
		cleanup()
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}
