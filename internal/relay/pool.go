package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/nostr"
)

// Pool fans subscriptions out to every relay and merges what comes back.
// Relays fail independently; a dead relay does not stop the others.
type Pool struct {
	conns  []*Conn
	events chan Incoming
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool connects to urls in the background. The pool runs until Close
// or until ctx is done.
func NewPool(ctx context.Context, urls []string, opts Options) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no relays configured", nsigner.ErrRelayUnavailable)
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		events: make(chan Incoming, 64),
		logger: opts.Logger,
		cancel: cancel,
	}
	for _, u := range urls {
		c := newConn(u, opts, p.events)
		p.conns = append(p.conns, c)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			c.run(ctx)
		}()
	}
	go func() {
		p.wg.Wait()
		close(p.events)
	}()
	return p, nil
}

// Events returns the merged subscription stream. It is closed after the
// pool shuts down. Duplicates across relays are not filtered.
func (p *Pool) Events() <-chan Incoming {
	return p.events
}

// Subscribe opens the subscription on every relay.
func (p *Pool) Subscribe(id string, f Filter) {
	for _, c := range p.conns {
		c.Subscribe(id, f)
	}
}

// Unsubscribe closes the subscription on every relay.
func (p *Pool) Unsubscribe(id string) {
	for _, c := range p.conns {
		c.Unsubscribe(id)
	}
}

// Publish sends e to every relay in parallel. It succeeds when at least
// one relay accepts the event.
func (p *Pool) Publish(ctx context.Context, e *nostr.Event) error {
	errs := make([]error, len(p.conns))
	var wg sync.WaitGroup
	for i, c := range p.conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Publish(ctx, e); err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.URL(), err)
			}
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			p.logger.Debug("publish failed", slog.String("error", err.Error()))
		}
	}
	if failed == len(p.conns) {
		return fmt.Errorf("%w: %w", nsigner.ErrRelayUnavailable, errors.Join(errs...))
	}
	return nil
}

// Connected returns the number of open relay connections.
func (p *Pool) Connected() int {
	n := 0
	for _, c := range p.conns {
		if c.Connected() {
			n++
		}
	}
	return n
}

// Close stops every connection and waits for them to exit.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}
