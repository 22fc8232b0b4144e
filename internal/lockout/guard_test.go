package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/identity/entity"
)

type memStore struct {
	mu     sync.Mutex
	rows   map[int64]entity.Identity
	writes int
}

func newMemStore(ids ...entity.Identity) *memStore {
	s := &memStore{rows: map[int64]entity.Identity{}}
	for _, u := range ids {
		s.rows[u.ID] = u
	}
	return s
}

func (s *memStore) FindByEmail(_ context.Context, email string) (*entity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.rows {
		if u.Email == email {
			cp := u
			return &cp, nil
		}
	}
	return nil, entity.ErrIdentityNotFound
}

func (s *memStore) Update(_ context.Context, id int64, fn func(*entity.Identity) bool) (*entity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.rows[id]
	if !ok {
		return nil, entity.ErrIdentityNotFound
	}
	if fn(&u) {
		s.rows[id] = u
		s.writes++
	}
	return &u, nil
}

func (s *memStore) get(id int64) entity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func newGuard(t *testing.T, store Store) (*Guard, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewGuard(store, Config{MaxFailedAttempts: 5, LockDuration: 30 * time.Minute}, clock, nil), clock
}

func alice() entity.Identity {
	return entity.Identity{ID: 1, Email: "a@x.com", Active: true, Enabled: true}
}

func TestRecordFailure_LocksExactlyOnThreshold(t *testing.T) {
	store := newMemStore(alice())
	g, clock := newGuard(t, store)
	ctx := context.Background()

	u := alice()
	for i := 1; i < 5; i++ {
		got, err := g.RecordFailure(ctx, &u)
		require.NoError(t, err)
		assert.Equal(t, i, got.FailedAttempts)
		assert.False(t, got.Locked, "locked early on attempt %d", i)
		assert.Equal(t, 5-i, g.RemainingAttempts(got))
	}

	got, err := g.RecordFailure(ctx, &u)
	require.NoError(t, err)
	assert.True(t, got.Locked)
	require.NotNil(t, got.LockedAt)
	assert.Equal(t, clock.Now(), *got.LockedAt)
	assert.Equal(t, 0, g.RemainingAttempts(got))
	assert.Equal(t, 30, g.RemainingLockMinutes(got))
}

func TestRecordFailure_ConcurrentIncrementsAreNotLost(t *testing.T) {
	store := newMemStore(alice())
	g, _ := newGuard(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := alice()
			_, err := g.RecordFailure(context.Background(), &u)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := store.get(1)
	assert.Equal(t, 20, got.FailedAttempts)
	assert.True(t, got.Locked)
	assert.NotNil(t, got.LockedAt)
}

func TestRecordSuccess_ResetsOnlyWhenDirty(t *testing.T) {
	store := newMemStore(alice())
	g, _ := newGuard(t, store)
	ctx := context.Background()

	clean := alice()
	require.NoError(t, g.RecordSuccess(ctx, &clean))
	assert.Equal(t, 0, store.writes)

	dirty, err := g.RecordFailure(ctx, &clean)
	require.NoError(t, err)
	require.NoError(t, g.RecordSuccess(ctx, dirty))

	got := store.get(1)
	assert.Equal(t, 0, got.FailedAttempts)
	assert.False(t, got.Locked)
	assert.Nil(t, got.LockedAt)
}

func TestIsLocked_LazyExpiryClearsCounters(t *testing.T) {
	store := newMemStore(alice())
	g, clock := newGuard(t, store)
	ctx := context.Background()

	u := alice()
	var last *entity.Identity
	for i := 0; i < 5; i++ {
		var err error
		last, err = g.RecordFailure(ctx, &u)
		require.NoError(t, err)
	}

	locked, err := g.IsLocked(ctx, last)
	require.NoError(t, err)
	assert.True(t, locked)

	clock.Advance(29 * time.Minute)
	assert.Equal(t, 1, g.RemainingLockMinutes(last))
	locked, err = g.IsLocked(ctx, last)
	require.NoError(t, err)
	assert.True(t, locked)

	clock.Advance(time.Minute)
	locked, err = g.IsLocked(ctx, last)
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Equal(t, 0, last.FailedAttempts)
	assert.False(t, last.Locked)
	assert.Nil(t, last.LockedAt)

	persisted := store.get(1)
	assert.Equal(t, 0, persisted.FailedAttempts)
	assert.False(t, persisted.Locked)
}

func TestIsLocked_UnlockedSkipsStore(t *testing.T) {
	store := newMemStore(alice())
	g, _ := newGuard(t, store)

	u := alice()
	locked, err := g.IsLocked(context.Background(), &u)
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Equal(t, 0, store.writes)
	assert.Equal(t, 0, g.RemainingLockMinutes(&u))
}

func TestUnlock(t *testing.T) {
	lockedAt := time.Date(2026, 1, 1, 11, 55, 0, 0, time.UTC)
	u := alice()
	u.FailedAttempts = 5
	u.Locked = true
	u.LockedAt = &lockedAt
	store := newMemStore(u)
	g, _ := newGuard(t, store)

	require.NoError(t, g.Unlock(context.Background(), "a@x.com"))
	got := store.get(1)
	assert.False(t, got.Locked)
	assert.Equal(t, 0, got.FailedAttempts)

	require.NoError(t, g.Unlock(context.Background(), "nobody@x.com"))
}

func TestNewGuard_Defaults(t *testing.T) {
	g := NewGuard(newMemStore(), Config{}, nil, nil)
	assert.Equal(t, DefaultMaxFailedAttempts, g.Config().MaxFailedAttempts)
	assert.Equal(t, DefaultLockDuration, g.Config().LockDuration)
}
