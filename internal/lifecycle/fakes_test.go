package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/lockout"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/otp"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

type memIdentities struct {
	mu   sync.Mutex
	rows map[int64]entity.Identity
}

func newMemIdentities() *memIdentities {
	return &memIdentities{rows: map[int64]entity.Identity{}}
}

func (m *memIdentities) find(match func(entity.Identity) bool) (*entity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if match(row) {
			cp := row
			return &cp, nil
		}
	}
	return nil, entity.ErrIdentityNotFound
}

func (m *memIdentities) FindByEmail(_ context.Context, email string) (*entity.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return m.find(func(u entity.Identity) bool { return u.Email == email })
}

func (m *memIdentities) FindByUsername(_ context.Context, username string) (*entity.Identity, error) {
	return m.find(func(u entity.Identity) bool { return u.Username == username })
}

func (m *memIdentities) FindByID(_ context.Context, id int64) (*entity.Identity, error) {
	return m.find(func(u entity.Identity) bool { return u.ID == id })
}

func (m *memIdentities) Save(_ context.Context, u *entity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ID != u.ID && (row.Username == u.Username || row.Email == u.Email) {
			return database.ErrDuplicate
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.rows[u.ID] = *u
	return nil
}

func (m *memIdentities) Update(_ context.Context, id int64, fn func(*entity.Identity) bool) (*entity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, entity.ErrIdentityNotFound
	}
	if fn(&row) {
		m.rows[id] = row
	}
	cp := row
	return &cp, nil
}

// set mutates a stored row directly, bypassing the service.
func (m *memIdentities) set(email string, fn func(*entity.Identity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.rows {
		if row.Email == email {
			fn(&row)
			m.rows[id] = row
		}
	}
}

type memRoles struct{ roles map[string]entity.Role }

func (m memRoles) FindByName(_ context.Context, name string) (*entity.Role, error) {
	r, ok := m.roles[name]
	if !ok {
		return nil, entity.ErrRoleNotFound
	}
	return &r, nil
}

type memRefresh struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]token.RefreshToken
}

func (m *memRefresh) Replace(_ context.Context, rt *token.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, row := range m.rows {
		if row.IdentityID == rt.IdentityID {
			delete(m.rows, k)
		}
	}
	m.nextID++
	rt.ID = m.nextID
	m.rows[rt.Token] = *rt
	return nil
}

func (m *memRefresh) Rotate(_ context.Context, old string, rt *token.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[old]; !ok {
		return token.ErrRefreshNotFound
	}
	delete(m.rows, old)
	m.nextID++
	rt.ID = m.nextID
	m.rows[rt.Token] = *rt
	return nil
}

func (m *memRefresh) FindByToken(_ context.Context, tok string) (*token.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[tok]
	if !ok {
		return nil, token.ErrRefreshNotFound
	}
	return &row, nil
}

func (m *memRefresh) DeleteByToken(_ context.Context, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, tok)
	return nil
}

func (m *memRefresh) DeleteByIdentity(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, row := range m.rows {
		if row.IdentityID == id {
			delete(m.rows, k)
		}
	}
	return nil
}

// meetingRefresh holds every FindByToken caller until n of them have read
// the token, so they all proceed holding the same row.
type meetingRefresh struct {
	*memRefresh
	arrived sync.WaitGroup
}

func newMeetingRefresh(inner *memRefresh, n int) *meetingRefresh {
	m := &meetingRefresh{memRefresh: inner}
	m.arrived.Add(n)
	return m
}

func (m *meetingRefresh) FindByToken(ctx context.Context, tok string) (*token.RefreshToken, error) {
	rt, err := m.memRefresh.FindByToken(ctx, tok)
	m.arrived.Done()
	m.arrived.Wait()
	return rt, err
}

func (m *memRefresh) count(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.IdentityID == id {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu       sync.Mutex
	otps     map[string]string
	otpSent  int
	welcomes []string
}

func (n *recordingNotifier) NotifyOtp(email, code string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.otps[email] = code
	n.otpSent++
}

func (n *recordingNotifier) NotifyWelcome(email, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomes = append(n.welcomes, email)
}

func (n *recordingNotifier) lastOtp(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.otps[email]
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type fixture struct {
	svc        *Service
	identities *memIdentities
	refresh    *memRefresh
	notifier   *recordingNotifier
	issuer     *token.Issuer
	clock      *clockwork.FakeClock
	redis      *miniredis.Miniredis
}

const (
	otpTTL     = 5 * time.Minute
	refreshTTL = time.Hour
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	ids, err := utilities.NewIDGenerator(1)
	require.NoError(t, err)

	f := &fixture{
		identities: newMemIdentities(),
		refresh:    &memRefresh{rows: map[string]token.RefreshToken{}},
		notifier:   &recordingNotifier{otps: map[string]string{}},
		clock:      clock,
		redis:      mr,
	}
	f.issuer = token.NewIssuerWithKey(signingKey(t), token.IssuerConfig{Issuer: "test", AccessTTL: 15 * time.Minute}, clock)
	f.svc = NewService(Deps{
		Identities: f.identities,
		Roles: memRoles{roles: map[string]entity.Role{
			"ROLE_USER":  {ID: 1, Name: "ROLE_USER"},
			"ROLE_ADMIN": {ID: 2, Name: "ROLE_ADMIN"},
		}},
		Passwords: identity.BcryptHasher{Cost: bcrypt.MinCost},
		Otps:      otp.NewRedisStore(rdb, "otp", nil),
		Guard:     lockout.NewGuard(f.identities, lockout.Config{}, clock, nil),
		Issuer:    f.issuer,
		Refresh:   token.NewRefreshStore(f.refresh, refreshTTL, clock, nil),
		Notifier:  f.notifier,
		IDs:       ids,
	}, Config{OtpTTL: otpTTL}, nil)
	return f
}

func (f *fixture) register(t *testing.T, username, email, pw string) *RegisterResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterRequest{
		Username: username, Email: email, Password: pw, ConfirmPassword: pw,
	})
	require.NoError(t, err)
	return res
}

// activeUser registers and activates an identity and returns its tokens.
func (f *fixture) activeUser(t *testing.T, username, email, pw string) *AuthResult {
	t.Helper()
	f.register(t, username, email, pw)
	res, err := f.svc.Activate(context.Background(), ActivateRequest{Email: email, Otp: f.notifier.lastOtp(email)})
	require.NoError(t, err)
	return res
}
