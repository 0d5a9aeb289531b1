package signing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/approval"
	"github.com/Bidon15/nsigner/internal/nostr"
	"github.com/Bidon15/nsigner/internal/permission"
	"github.com/Bidon15/nsigner/internal/vault"
)

const (
	zapperSecHex = "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"
	zapperPubHex = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
)

type fixture struct {
	vault     *vault.Vault
	engine    *permission.Engine
	approvals *approval.Coordinator
	service   *Service
	alice     nsigner.KeyInfo
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()

	v, err := vault.Open(vault.Config{
		Path: filepath.Join(dir, "vault.json"),
		KDF:  vault.KDFParams{Time: 1, Memory: 64, Threads: 1},
	})
	require.NoError(t, err)
	t.Cleanup(v.Lock)
	require.NoError(t, v.Unlock("pw"))
	alice, err := v.CreateKey("alice")
	require.NoError(t, err)

	store, err := permission.NewFileGrantStore(filepath.Join(dir, "grants.json"))
	require.NoError(t, err)
	engine, err := permission.NewEngine(permission.Config{Store: store})
	require.NoError(t, err)

	coord := approval.New(approval.Config{Timeout: timeout})
	return &fixture{
		vault:     v,
		engine:    engine,
		approvals: coord,
		service:   NewService(v, engine, coord, nil),
		alice:     alice,
	}
}

// answer resolves the next submitted approval with approved.
func (f *fixture) answer(t *testing.T, approved bool) <-chan approval.Request {
	t.Helper()
	ch, unsubscribe := f.approvals.Subscribe(1)
	seen := make(chan approval.Request, 1)
	go func() {
		defer unsubscribe()
		req, ok := <-ch
		if !ok {
			return
		}
		assert.NoError(t, f.approvals.Resolve(req.ID, approved))
		seen <- req
	}()
	return seen
}

func unsignedEvent(kind int, content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"kind":       kind,
		"content":    content,
		"tags":       [][]string{},
		"created_at": 1700000000,
	})
	return b
}

func TestService_AliceWallet1Scenario(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, f.engine.Grant(ctx, &permission.Grant{
		AppID:             "wallet1",
		AllowedEventKinds: []int{1},
		AutoApprove:       true,
	}))

	res, err := f.service.Handle(ctx, Request{
		AppID:     "wallet1",
		Operation: nsigner.OpSignEvent,
		Event:     unsignedEvent(1, "hello"),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	assert.Equal(t, f.alice.PublicKey, res.Event.PubKey)
	assert.Equal(t, int64(1700000000), res.Event.CreatedAt)
	assert.NoError(t, res.Event.Verify())
	assert.Empty(t, f.approvals.Pending())

	_, err = f.service.Handle(ctx, Request{
		AppID:     "wallet1",
		Operation: nsigner.OpSignEvent,
		Event:     unsignedEvent(4, "dm"),
	})
	assert.ErrorIs(t, err, nsigner.ErrPermissionDenied)
}

func TestService_LockedShortCircuits(t *testing.T) {
	f := newFixture(t, time.Second)
	f.vault.Lock()

	perms := new(mockAuthorizer)
	svc := NewService(f.vault, perms, f.approvals, nil)

	for _, op := range nsigner.Operations {
		_, err := svc.Handle(context.Background(), Request{AppID: "a", Operation: op})
		assert.ErrorIs(t, err, nsigner.ErrSignerLocked, op)
	}
	perms.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.approvals.Pending())
}

func TestService_ApprovalGranted(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	seen := f.answer(t, true)

	res, err := f.service.Handle(context.Background(), Request{
		AppID:     "client",
		Operation: nsigner.OpSignEvent,
		Event:     unsignedEvent(1, "needs a human"),
	})
	require.NoError(t, err)
	assert.NoError(t, res.Event.Verify())

	req := <-seen
	assert.Equal(t, "client", req.AppID)
	assert.Equal(t, nsigner.OpSignEvent, req.Operation)
	assert.Contains(t, req.Summary, "kind 1")
}

func TestService_ApprovalDenied(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.answer(t, false)

	_, err := f.service.Handle(context.Background(), Request{
		AppID:     "client",
		Operation: nsigner.OpGetPublicKey,
	})
	assert.ErrorIs(t, err, nsigner.ErrPermissionDenied)
}

func TestService_ApprovalTimeout(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)

	_, err := f.service.Handle(context.Background(), Request{
		AppID:     "client",
		Operation: nsigner.OpGetPublicKey,
	})
	assert.ErrorIs(t, err, nsigner.ErrRequestTimedOut)
}

func TestService_LockAfterApproval(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ch, unsubscribe := f.approvals.Subscribe(1)
	defer unsubscribe()
	go func() {
		req := <-ch
		f.vault.Lock()
		_ = f.approvals.Resolve(req.ID, true)
	}()

	_, err := f.service.Handle(context.Background(), Request{
		AppID:     "client",
		Operation: nsigner.OpSignEvent,
		Event:     unsignedEvent(1, "x"),
	})
	assert.ErrorIs(t, err, nsigner.ErrSignerLocked)
}

func TestService_EncryptionRoundTrips(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	bob, err := f.vault.CreateKey("bob")
	require.NoError(t, err)
	require.NoError(t, f.engine.Grant(ctx, &permission.Grant{
		AppID: "chat", Nip04Allowed: true, Nip44Allowed: true, AutoApprove: true,
	}))

	cases := []struct {
		encrypt, decrypt nsigner.Operation
	}{
		{nsigner.OpNip04Encrypt, nsigner.OpNip04Decrypt},
		{nsigner.OpNip44Encrypt, nsigner.OpNip44Decrypt},
	}
	for _, tc := range cases {
		t.Run(string(tc.encrypt), func(t *testing.T) {
			enc, err := f.service.Handle(ctx, Request{
				AppID: "chat", Operation: tc.encrypt, KeyID: f.alice.ID,
				PeerPubKey: bob.Npub, Text: "hi bob",
			})
			require.NoError(t, err)
			assert.NotEqual(t, "hi bob", enc.Text)

			dec, err := f.service.Handle(ctx, Request{
				AppID: "chat", Operation: tc.decrypt, KeyID: bob.ID,
				PeerPubKey: f.alice.PublicKey, Text: enc.Text,
			})
			require.NoError(t, err)
			assert.Equal(t, "hi bob", dec.Text)
		})
	}
}

func TestService_CryptoFailureNotRecorded(t *testing.T) {
	f := newFixture(t, time.Second)
	held := permission.Reservation{AppID: "chat", Slot: "slot-1"}
	perms := new(mockAuthorizer)
	perms.On("Authorize", mock.Anything, "chat", nsigner.OpNip44Decrypt, 0).Return(nsigner.Allowed, held)
	perms.On("Release", mock.Anything, held).Return(nil).Once()
	svc := NewService(f.vault, perms, f.approvals, nil)

	_, err := svc.Handle(context.Background(), Request{
		AppID: "chat", Operation: nsigner.OpNip44Decrypt,
		PeerPubKey: zapperPubHex, Text: "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	})
	assert.ErrorIs(t, err, nsigner.ErrCryptoError)
	perms.AssertExpectations(t)
	perms.AssertNotCalled(t, "RecordApproval", mock.Anything, mock.Anything)
}

func TestService_SuccessRecorded(t *testing.T) {
	f := newFixture(t, time.Second)
	req := Request{AppID: "w", Operation: nsigner.OpSignEvent, Event: unsignedEvent(1, "")}

	t.Run("reserved slot stands", func(t *testing.T) {
		perms := new(mockAuthorizer)
		perms.On("Authorize", mock.Anything, "w", nsigner.OpSignEvent, 1).
			Return(nsigner.Allowed, permission.Reservation{AppID: "w", Slot: "slot-1"})
		svc := NewService(f.vault, perms, f.approvals, nil)

		_, err := svc.Handle(context.Background(), req)
		require.NoError(t, err)
		perms.AssertNotCalled(t, "RecordApproval", mock.Anything, mock.Anything)
		perms.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	})

	t.Run("user approval recorded", func(t *testing.T) {
		perms := new(mockAuthorizer)
		perms.On("Authorize", mock.Anything, "w", nsigner.OpSignEvent, 1).
			Return(nsigner.RequiresApproval, permission.Reservation{})
		perms.On("RecordApproval", mock.Anything, "w").Return(nil).Once()
		svc := NewService(f.vault, perms, f.approvals, nil)
		f.answer(t, true)

		_, err := svc.Handle(context.Background(), req)
		require.NoError(t, err)
		perms.AssertExpectations(t)
	})
}

// slowKeys widens the gap between authorization and completion.
type slowKeys struct {
	KeyStore
	delay time.Duration
}

func (k slowKeys) SignEvent(id string, e *nostr.Event) error {
	time.Sleep(k.delay)
	return k.KeyStore.SignEvent(id, e)
}

func TestService_ConcurrentAutoApprovalsRespectCeiling(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, f.engine.Grant(ctx, &permission.Grant{AppID: "wallet1", AllowedEventKinds: []int{1}, AutoApprove: true}))
	svc := NewService(slowKeys{KeyStore: f.vault, delay: 5 * time.Millisecond}, f.engine, f.approvals, nil)

	const callers = 40
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		timedOut  atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Handle(ctx, Request{AppID: "wallet1", Operation: nsigner.OpSignEvent, Event: unsignedEvent(1, "")})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, nsigner.ErrRequestTimedOut):
				timedOut.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(nsigner.DefaultMaxAutoApprovals), succeeded.Load())
	assert.Equal(t, int32(callers-nsigner.DefaultMaxAutoApprovals), timedOut.Load())
	assert.Equal(t, nsigner.RequiresApproval, f.engine.Check(ctx, "wallet1", nsigner.OpSignEvent, 1))
}

func TestService_FailedAutoApprovalFreesSlot(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, f.engine.Grant(ctx, &permission.Grant{AppID: "wallet1", AutoApprove: true}))

	for i := 0; i < nsigner.DefaultMaxAutoApprovals+2; i++ {
		_, err := f.service.Handle(ctx, Request{
			AppID: "wallet1", Operation: nsigner.OpSignEvent, KeyID: "missing", Event: unsignedEvent(1, ""),
		})
		require.ErrorIs(t, err, nsigner.ErrKeyNotFound, "request %d", i)
	}
	assert.Equal(t, nsigner.Allowed, f.engine.Check(ctx, "wallet1", nsigner.OpSignEvent, 1))
}

func TestService_MalformedRequests(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	cases := []Request{
		{AppID: "a", Operation: nsigner.OpSignEvent, Event: []byte("{not json")},
		{AppID: "a", Operation: nsigner.OpSignEvent, Event: unsignedEvent(70000, "")},
		{AppID: "a", Operation: nsigner.OpNip44Encrypt, PeerPubKey: "zz", Text: "x"},
		{AppID: "a", Operation: nsigner.OpNip04Decrypt, PeerPubKey: zapperPubHex},
		{AppID: "a", Operation: nsigner.OpDecryptZapEvent, Event: unsignedEvent(1, "x")},
		{AppID: "a", Operation: "sign_everything"},
		{Operation: nsigner.OpGetPublicKey},
	}
	for _, req := range cases {
		_, err := f.service.Handle(ctx, req)
		assert.Error(t, err)
		assert.NotEqual(t, nsigner.CodeInternal, nsigner.Code(err), "%v", err)
	}
	assert.Empty(t, f.approvals.Pending())
}

func TestService_DecryptZapEvent(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, f.engine.Grant(ctx, &permission.Grant{AppID: "zaps", Nip04Allowed: true, AutoApprove: true}))

	zapperSecret, err := hex.DecodeString(zapperSecHex)
	require.NoError(t, err)
	alicePub, err := hex.DecodeString(f.alice.PublicKey)
	require.NoError(t, err)
	shared, err := nostr.SharedSecret(zapperSecret, alicePub)
	require.NoError(t, err)

	for name, encrypt := range map[string]func(string) (string, error){
		"nip04": func(s string) (string, error) { return nostr.Nip04Encrypt(shared, s) },
		"nip44": func(s string) (string, error) { return nostr.Nip44Encrypt(nostr.Nip44ConversationKey(shared), s) },
	} {
		t.Run(name, func(t *testing.T) {
			content, err := encrypt("private zap note")
			require.NoError(t, err)
			req := &nostr.Event{
				Kind:      nostr.KindZapRequest,
				CreatedAt: 1700000000,
				Tags:      nostr.Tags{{"p", f.alice.PublicKey}, {"amount", "21000"}},
				Content:   content,
			}
			require.NoError(t, req.Sign(zapperSecret))
			receipt := &nostr.Event{
				Kind:      nostr.KindZapReceipt,
				CreatedAt: 1700000001,
				Tags:      nostr.Tags{{"p", f.alice.PublicKey}, {"description", req.String()}},
			}

			for _, e := range []*nostr.Event{req, receipt} {
				res, err := f.service.Handle(ctx, Request{
					AppID: "zaps", Operation: nsigner.OpDecryptZapEvent, Event: []byte(e.String()),
				})
				require.NoError(t, err)
				assert.Equal(t, "private zap note", res.Text)
			}
		})
	}
}

func TestService_GetPublicKey(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, f.engine.Grant(ctx, &permission.Grant{AppID: "a", AllowedEventKinds: []int{}, AutoApprove: true}))

	res, err := f.service.Handle(ctx, Request{AppID: "a", Operation: nsigner.OpGetPublicKey})
	require.NoError(t, err)
	assert.Equal(t, f.alice.PublicKey, res.PublicKey)

	_, err = f.service.Handle(ctx, Request{AppID: "a", Operation: nsigner.OpGetPublicKey, KeyID: "missing"})
	assert.ErrorIs(t, err, nsigner.ErrKeyNotFound)
}

type mockAuthorizer struct {
	mock.Mock
}

func (m *mockAuthorizer) Authorize(ctx context.Context, appID string, op nsigner.Operation, kind int) (nsigner.Decision, permission.Reservation) {
	args := m.Called(ctx, appID, op, kind)
	return args.Get(0).(nsigner.Decision), args.Get(1).(permission.Reservation)
}

func (m *mockAuthorizer) Release(ctx context.Context, r permission.Reservation) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockAuthorizer) RecordApproval(ctx context.Context, appID string) error {
	return m.Called(ctx, appID).Error(0)
}
