package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/metrics"
)

// Config configures an Engine.
type Config struct {
	Store            GrantStore
	Window           RateWindow // defaults to a MemoryWindow
	RateWindow       time.Duration
	MaxAutoApprovals int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Engine is the PermissionEngine.
type Engine struct {
	store  GrantStore
	window RateWindow
	period time.Duration
	max    int
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("permission: grant store is required")
	}
	e := &Engine{
		store:  cfg.Store,
		window: cfg.Window,
		period: cfg.RateWindow,
		max:    cfg.MaxAutoApprovals,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if e.window == nil {
		e.window = NewMemoryWindow()
	}
	if e.period <= 0 {
		e.period = nsigner.DefaultRateWindow
	}
	if e.max <= 0 {
		e.max = nsigner.DefaultMaxAutoApprovals
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Reservation is an auto-approval slot held in an app's rate window. The
// zero value holds nothing.
type Reservation struct {
	AppID string
	Slot  string
}

// Held reports whether r holds a slot.
func (r Reservation) Held() bool { return r.Slot != "" }

// Check decides how a request from appID for op is handled. kind is only
// consulted for sign_event. Backend failures degrade to RequiresApproval.
// Check takes no slot in the rate window; requests about to run go through
// Authorize.
func (e *Engine) Check(ctx context.Context, appID string, op nsigner.Operation, kind int) nsigner.Decision {
	d, _ := e.decide(ctx, appID, op, kind, false)
	return d
}

// Authorize is Check for a request that will run. An Allowed decision for
// an operation that counts toward the window comes with a reserved slot,
// taken in the same step as the count so that concurrent requests cannot
// pass the ceiling together. The slot stands as the recorded approval once
// the operation succeeds; Release it if the operation fails.
func (e *Engine) Authorize(ctx context.Context, appID string, op nsigner.Operation, kind int) (nsigner.Decision, Reservation) {
	return e.decide(ctx, appID, op, kind, true)
}

func (e *Engine) decide(ctx context.Context, appID string, op nsigner.Operation, kind int, reserve bool) (nsigner.Decision, Reservation) {
	d, r := e.evaluate(ctx, appID, op, kind, reserve)
	metrics.PermissionDecisions.WithLabelValues(d.String()).Inc()
	return d, r
}

func (e *Engine) evaluate(ctx context.Context, appID string, op nsigner.Operation, kind int, reserve bool) (nsigner.Decision, Reservation) {
	g, err := e.store.Get(ctx, appID)
	if err != nil {
		if !errors.Is(err, nsigner.ErrGrantNotFound) {
			e.logger.Warn("grant lookup failed",
				slog.String("app_id", appID),
				slog.String("error", err.Error()),
			)
		}
		return nsigner.RequiresApproval, Reservation{}
	}
	if g.excludes(op, kind) {
		return nsigner.Denied, Reservation{}
	}
	if !g.AutoApprove {
		return nsigner.RequiresApproval, Reservation{}
	}

	now := e.now()
	var (
		slot string
		full bool
	)
	if reserve && op != nsigner.OpGetPublicKey {
		slot, err = e.window.Reserve(ctx, appID, now, e.period, e.max)
		full = slot == ""
	} else {
		var n int
		n, err = e.window.Count(ctx, appID, now, e.period)
		full = n >= e.max
	}
	if err != nil {
		e.logger.Warn("rate window unavailable",
			slog.String("app_id", appID),
			slog.String("error", err.Error()),
		)
		return nsigner.RequiresApproval, Reservation{}
	}
	if full {
		e.logger.Info("auto-approval ceiling reached",
			slog.String("app_id", appID),
			slog.Int("max", e.max),
		)
		return nsigner.RequiresApproval, Reservation{}
	}
	return nsigner.Allowed, Reservation{AppID: appID, Slot: slot}
}

// Release gives back a slot taken by Authorize. Releasing the zero
// Reservation is a no-op.
func (e *Engine) Release(ctx context.Context, r Reservation) error {
	if !r.Held() {
		return nil
	}
	if err := e.window.Release(ctx, r.AppID, r.Slot); err != nil {
		return fmt.Errorf("%w: %v", nsigner.ErrPermissionBackend, err)
	}
	return nil
}

// RecordApproval counts a completed operation that held no reservation,
// such as one the user approved, toward appID's rate window.
func (e *Engine) RecordApproval(ctx context.Context, appID string) error {
	if err := e.window.Record(ctx, appID, e.now(), e.period); err != nil {
		return fmt.Errorf("%w: %v", nsigner.ErrPermissionBackend, err)
	}
	return nil
}

// Grant creates or replaces the grant for g.AppID.
func (e *Engine) Grant(ctx context.Context, g *Grant) error {
	if err := g.Validate(); err != nil {
		return err
	}
	g = g.Clone()
	now := e.now().UTC()
	if existing, err := e.store.Get(ctx, g.AppID); err == nil {
		g.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, nsigner.ErrGrantNotFound) {
		return fmt.Errorf("%w: %v", nsigner.ErrPermissionBackend, err)
	} else {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if err := e.store.Put(ctx, g); err != nil {
		return err
	}
	e.logger.Info("grant saved",
		slog.String("app_id", g.AppID),
		slog.Bool("auto_approve", g.AutoApprove),
	)
	return nil
}

// Revoke removes the grant and the rate history for appID. Revoking an
// unknown app is not an error.
func (e *Engine) Revoke(ctx context.Context, appID string) error {
	if err := e.store.Delete(ctx, appID); err != nil {
		return err
	}
	if err := e.window.Reset(ctx, appID); err != nil {
		e.logger.Warn("rate window reset failed",
			slog.String("app_id", appID),
			slog.String("error", err.Error()),
		)
	}
	e.logger.Info("grant revoked", slog.String("app_id", appID))
	return nil
}

// Get returns the grant for appID.
func (e *Engine) Get(ctx context.Context, appID string) (*Grant, error) {
	return e.store.Get(ctx, appID)
}

// List returns every grant.
func (e *Engine) List(ctx context.Context) ([]*Grant, error) {
	return e.store.List(ctx)
}

// Prune drops expired rate window entries.
func (e *Engine) Prune(ctx context.Context) error {
	return e.window.Prune(ctx, e.now(), e.period)
}
