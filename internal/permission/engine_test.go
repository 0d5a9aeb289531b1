package permission

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nsigner"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *fakeClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grants.json")
	store, err := NewFileGrantStore(path)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	e, err := NewEngine(Config{
		Store:            store,
		RateWindow:       time.Minute,
		MaxAutoApprovals: 10,
		Now:              clock.Now,
	})
	require.NoError(t, err)
	return e, clock, path
}

func TestEngine_NoGrantRequiresApproval(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	for _, op := range nsigner.Operations {
		assert.Equal(t, nsigner.RequiresApproval, e.Check(ctx, "unknown", op, 1), op)
	}
}

func TestEngine_Exclusions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{
		AppID:             "wallet1",
		AllowedEventKinds: []int{1, 7},
		Nip04Allowed:      false,
		Nip44Allowed:      true,
		AutoApprove:       true,
	}))

	assert.Equal(t, nsigner.Allowed, e.Check(ctx, "wallet1", nsigner.OpSignEvent, 1))
	assert.Equal(t, nsigner.Denied, e.Check(ctx, "wallet1", nsigner.OpSignEvent, 4))
	assert.Equal(t, nsigner.Denied, e.Check(ctx, "wallet1", nsigner.OpNip04Encrypt, 0))
	assert.Equal(t, nsigner.Denied, e.Check(ctx, "wallet1", nsigner.OpDecryptZapEvent, 0))
	assert.Equal(t, nsigner.Allowed, e.Check(ctx, "wallet1", nsigner.OpNip44Decrypt, 0))
	assert.Equal(t, nsigner.Allowed, e.Check(ctx, "wallet1", nsigner.OpGetPublicKey, 0))
}

func TestEngine_NilVersusEmptyKinds(t *testing.T) {
	e, _, path := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "all", AutoApprove: true}))
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "none", AllowedEventKinds: []int{}, AutoApprove: true}))

	assert.Equal(t, nsigner.Allowed, e.Check(ctx, "all", nsigner.OpSignEvent, 30023))
	assert.Equal(t, nsigner.Denied, e.Check(ctx, "none", nsigner.OpSignEvent, 1))

	// The distinction survives a reload.
	store, err := NewFileGrantStore(path)
	require.NoError(t, err)
	all, err := store.Get(ctx, "all")
	require.NoError(t, err)
	assert.Nil(t, all.AllowedEventKinds)
	none, err := store.Get(ctx, "none")
	require.NoError(t, err)
	assert.NotNil(t, none.AllowedEventKinds)
	assert.Empty(t, none.AllowedEventKinds)
}

func TestEngine_ManualGrant(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "client", Nip44Allowed: true}))
	assert.Equal(t, nsigner.RequiresApproval, e.Check(ctx, "client", nsigner.OpNip44Encrypt, 0))
	assert.Equal(t, nsigner.Denied, e.Check(ctx, "client", nsigner.OpNip04Encrypt, 0))
}

func TestEngine_RateCeiling(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "wallet1", AutoApprove: true}))

	for i := 0; i < 10; i++ {
		d, held := e.Authorize(ctx, "wallet1", nsigner.OpSignEvent, 1)
		require.Equal(t, nsigner.Allowed, d, "request %d", i)
		require.True(t, held.Held())
		clock.Advance(time.Second)
	}
	// The eleventh within the window degrades, it is never Denied.
	d, held := e.Authorize(ctx, "wallet1", nsigner.OpSignEvent, 1)
	assert.Equal(t, nsigner.RequiresApproval, d)
	assert.False(t, held.Held())
	assert.Equal(t, nsigner.RequiresApproval, e.Check(ctx, "wallet1", nsigner.OpSignEvent, 1))

	// Sliding: the oldest approvals age out and free slots.
	clock.Advance(51 * time.Second)
	assert.Equal(t, nsigner.Allowed, e.Check(ctx, "wallet1", nsigner.OpSignEvent, 1))

	clock.Advance(2 * time.Minute)
	n, err := e.window.Count(ctx, "wallet1", clock.Now(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_AuthorizeConcurrentCeiling(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "wallet1", AutoApprove: true}))

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := e.Authorize(ctx, "wallet1", nsigner.OpSignEvent, 1); d == nsigner.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
	n, err := e.window.Count(ctx, "wallet1", e.now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestEngine_ReleaseFreesSlot(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "wallet1", AutoApprove: true}))

	var last Reservation
	for i := 0; i < 10; i++ {
		_, last = e.Authorize(ctx, "wallet1", nsigner.OpSignEvent, 1)
	}
	d, _ := e.Authorize(ctx, "wallet1", nsigner.OpSignEvent, 1)
	require.Equal(t, nsigner.RequiresApproval, d)

	require.NoError(t, e.Release(ctx, last))
	require.NoError(t, e.Release(ctx, last))
	require.NoError(t, e.Release(ctx, Reservation{}))
	d, _ = e.Authorize(ctx, "wallet1", nsigner.OpSignEvent, 1)
	assert.Equal(t, nsigner.Allowed, d)
}

func TestEngine_GetPublicKeyTakesNoSlot(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "a", AutoApprove: true}))

	for i := 0; i < 20; i++ {
		d, held := e.Authorize(ctx, "a", nsigner.OpGetPublicKey, 0)
		require.Equal(t, nsigner.Allowed, d)
		require.False(t, held.Held())
	}
}

func TestEngine_GrantPreservesCreatedAt(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "a"}))
	first, err := e.Get(ctx, "a")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "a", AutoApprove: true}))
	second, err := e.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.True(t, second.AutoApprove)
}

func TestEngine_RevokeIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "a", AutoApprove: true}))
	require.NoError(t, e.RecordApproval(ctx, "a"))

	require.NoError(t, e.Revoke(ctx, "a"))
	require.NoError(t, e.Revoke(ctx, "a"))
	assert.Equal(t, nsigner.RequiresApproval, e.Check(ctx, "a", nsigner.OpSignEvent, 1))

	_, err := e.Get(ctx, "a")
	assert.ErrorIs(t, err, nsigner.ErrGrantNotFound)

	grants, err := e.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestEngine_GrantValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	assert.ErrorIs(t, e.Grant(ctx, &Grant{}), nsigner.ErrInvalidGrant)
	assert.ErrorIs(t, e.Grant(ctx, &Grant{AppID: "x", AllowedEventKinds: []int{-1}}), nsigner.ErrMalformedRequest)
}

func TestGrant_Validate(t *testing.T) {
	assert.NoError(t, (&Grant{AppID: "a", AllowedEventKinds: []int{0, 65535}}).Validate())
	assert.NoError(t, (&Grant{AppID: "a", AllowedEventKinds: []int{}}).Validate())

	cases := map[string]struct {
		grant Grant
		field string
	}{
		"blank app id":   {Grant{AppID: "  "}, "app_id"},
		"long app id":    {Grant{AppID: strings.Repeat("x", 257)}, "app_id"},
		"long name":      {Grant{AppID: "a", Name: strings.Repeat("n", 129)}, "name"},
		"kind too large": {Grant{AppID: "a", AllowedEventKinds: []int{1, 70000}}, "allowed_event_kinds[1]"},
		"negative kind":  {Grant{AppID: "a", AllowedEventKinds: []int{-1}}, "allowed_event_kinds[0]"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.grant.Validate()
			require.ErrorIs(t, err, nsigner.ErrInvalidGrant)
			var ve *nsigner.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestEngine_GrantDoesNotAliasCaller(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	g := &Grant{AppID: "a", AllowedEventKinds: []int{1}, AutoApprove: true}
	require.NoError(t, e.Grant(ctx, g))
	g.AllowedEventKinds[0] = 4

	assert.Equal(t, nsigner.Allowed, e.Check(ctx, "a", nsigner.OpSignEvent, 1))
	assert.Equal(t, nsigner.Denied, e.Check(ctx, "a", nsigner.OpSignEvent, 4))
}

type mockWindow struct {
	mock.Mock
}

func (m *mockWindow) Count(ctx context.Context, appID string, now time.Time, window time.Duration) (int, error) {
	args := m.Called(ctx, appID, now, window)
	return args.Int(0), args.Error(1)
}

func (m *mockWindow) Record(ctx context.Context, appID string, now time.Time, window time.Duration) error {
	return m.Called(ctx, appID, now, window).Error(0)
}

func (m *mockWindow) Reserve(ctx context.Context, appID string, now time.Time, window time.Duration, max int) (string, error) {
	args := m.Called(ctx, appID, now, window, max)
	return args.String(0), args.Error(1)
}

func (m *mockWindow) Release(ctx context.Context, appID, slot string) error {
	return m.Called(ctx, appID, slot).Error(0)
}

func (m *mockWindow) Prune(ctx context.Context, now time.Time, window time.Duration) error {
	return m.Called(ctx, now, window).Error(0)
}

func (m *mockWindow) Reset(ctx context.Context, appID string) error {
	return m.Called(ctx, appID).Error(0)
}

func TestEngine_WindowFailureDegrades(t *testing.T) {
	store, err := NewFileGrantStore(filepath.Join(t.TempDir(), "grants.json"))
	require.NoError(t, err)
	w := new(mockWindow)
	w.On("Count", mock.Anything, "a", mock.Anything, time.Minute).Return(0, errors.New("connection refused"))
	w.On("Reserve", mock.Anything, "a", mock.Anything, time.Minute, 10).Return("", errors.New("connection refused"))
	w.On("Record", mock.Anything, "a", mock.Anything, time.Minute).Return(errors.New("connection refused"))
	w.On("Release", mock.Anything, "a", "slot-1").Return(errors.New("connection refused"))

	e, err := NewEngine(Config{Store: store, Window: w})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, &Grant{AppID: "a", AutoApprove: true}))

	assert.Equal(t, nsigner.RequiresApproval, e.Check(ctx, "a", nsigner.OpSignEvent, 1))
	d, held := e.Authorize(ctx, "a", nsigner.OpSignEvent, 1)
	assert.Equal(t, nsigner.RequiresApproval, d)
	assert.False(t, held.Held())
	assert.ErrorIs(t, e.RecordApproval(ctx, "a"), nsigner.ErrPermissionBackend)
	assert.ErrorIs(t, e.Release(ctx, Reservation{AppID: "a", Slot: "slot-1"}), nsigner.ErrPermissionBackend)
	w.AssertExpectations(t)
}

func TestFileGrantStore_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":7}`), 0600))
	_, err := NewFileGrantStore(path)
	assert.ErrorIs(t, err, nsigner.ErrStoreCorrupted)
}

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.Error(t, err)
}
