// Package approval brokers requests that need a human decision.
//
// Every request gets its own entry and done channel, so a waiter blocks
// only on its own entry and approvals resolve in any order. An entry is
// resolved once; later attempts fail with ErrAlreadyResolved until the
// entry ages out of the retention period.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/metrics"
)

// DefaultRetention is how long resolved entries are kept.
const DefaultRetention = 5 * time.Minute

// Request is a snapshot of one approval entry.
type Request struct {
	ID         string             `json:"id"`
	AppID      string             `json:"app_id"`
	Operation  nsigner.Operation  `json:"operation"`
	Summary    string             `json:"summary"`
	CreatedAt  time.Time          `json:"created_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
	Resolution nsigner.Resolution `json:"resolution"`
	ResolvedAt time.Time          `json:"resolved_at,omitzero"`
}

type entry struct {
	req  Request
	done chan struct{}
}

// Config configures a Coordinator.
type Config struct {
	Timeout   time.Duration
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Coordinator is the ApprovalCoordinator.
type Coordinator struct {
	mu        sync.Mutex
	entries   map[string]*entry
	subs      map[chan Request]struct{}
	timeout   time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		entries:   make(map[string]*entry),
		subs:      make(map[chan Request]struct{}),
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if c.timeout <= 0 {
		c.timeout = nsigner.DefaultApprovalTimeout
	}
	if c.retention <= 0 {
		c.retention = DefaultRetention
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Timeout returns the configured request timeout.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Submit records a pending request and returns its id without waiting.
func (c *Coordinator) Submit(appID string, op nsigner.Operation, summary string) string {
	now := c.now()
	e := &entry{
		req: Request{
			ID:         uuid.NewString(),
			AppID:      appID,
			Operation:  op,
			Summary:    summary,
			CreatedAt:  now,
			ExpiresAt:  now.Add(c.timeout),
			Resolution: nsigner.Pending,
		},
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.entries[e.req.ID] = e
	for ch := range c.subs {
		select {
		case ch <- e.req:
		default:
			c.logger.Warn("approval subscriber is full, dropping notification",
				slog.String("request_id", e.req.ID),
			)
		}
	}
	c.mu.Unlock()

	metrics.PendingApprovals.Inc()
	c.logger.Info("approval requested",
		slog.String("request_id", e.req.ID),
		slog.String("app_id", appID),
		slog.String("operation", string(op)),
	)
	return e.req.ID
}

// Await blocks until the request is resolved, its timeout passes or ctx
// is done. A cancelled context expires the request.
func (c *Coordinator) Await(ctx context.Context, id string) (nsigner.Resolution, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nsigner.Pending, nsigner.ErrApprovalNotFound
	}
	wait := e.req.ExpiresAt.Sub(c.now())
	c.mu.Unlock()

	timer := time.NewTimer(max(wait, 0))
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		c.expire(id, "timeout")
	case <-ctx.Done():
		c.expire(id, "cancelled")
		c.mu.Lock()
		res := e.req.Resolution
		c.mu.Unlock()
		if res == nsigner.Expired {
			return res, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return e.req.Resolution, nil
}

// Resolve records the user's decision. Resolving a terminal entry fails
// with ErrAlreadyResolved.
func (c *Coordinator) Resolve(id string, approved bool) error {
	res := nsigner.Rejected
	if approved {
		res = nsigner.Approved
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", nsigner.ErrApprovalNotFound, id)
	}
	if e.req.Resolution.Terminal() {
		return fmt.Errorf("%w: %s is %s", nsigner.ErrAlreadyResolved, id, e.req.Resolution)
	}
	c.finishLocked(e, res)
	return nil
}

func (c *Coordinator) expire(id, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.req.Resolution.Terminal() {
		return
	}
	c.finishLocked(e, nsigner.Expired)
	c.logger.Debug("approval expired", slog.String("request_id", id), slog.String("reason", reason))
}

func (c *Coordinator) finishLocked(e *entry, res nsigner.Resolution) {
	e.req.Resolution = res
	e.req.ResolvedAt = c.now()
	close(e.done)

	metrics.PendingApprovals.Dec()
	metrics.ApprovalResolutions.WithLabelValues(res.String()).Inc()
	c.logger.Info("approval resolved",
		slog.String("request_id", e.req.ID),
		slog.String("app_id", e.req.AppID),
		slog.String("resolution", res.String()),
	)
}

// Sweep expires pending entries past their timeout and forgets resolved
// entries older than the retention period. It returns the number expired.
func (c *Coordinator) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	expired := 0
	for id, e := range c.entries {
		switch {
		case !e.req.Resolution.Terminal():
			if !now.Before(e.req.ExpiresAt) {
				c.finishLocked(e, nsigner.Expired)
				expired++
			}
		case now.Sub(e.req.ResolvedAt) > c.retention:
			delete(c.entries, id)
		}
	}
	return expired
}

// Get returns the entry with id.
func (c *Coordinator) Get(id string) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", nsigner.ErrApprovalNotFound, id)
	}
	return e.req, nil
}

// Pending lists unresolved entries, oldest first.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	out := make([]Request, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.req.Resolution.Terminal() {
			out = append(out, e.req)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscribe returns a channel receiving every newly submitted request and
// a function that ends the subscription. Notifications are dropped when
// the channel buffer is full.
func (c *Coordinator) Subscribe(buffer int) (<-chan Request, func()) {
	ch := make(chan Request, buffer)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
			close(ch)
		})
	}
}
