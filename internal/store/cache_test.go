package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/state"
)

// memStore is an in-memory backing store counting operations.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*state.SessionState
	loads    int
	saves    int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*state.SessionState)}
}

func (m *memStore) Load(_ context.Context, userID string) (*state.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	st, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (m *memStore) Save(_ context.Context, st *state.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.sessions[st.UserID] = st.Clone()
	return nil
}

func (m *memStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

func (m *memStore) Close() error { return nil }

func newTestCached(t *testing.T) (*Cached, *memStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	backing := newMemStore()
	c := &Cached{
		backing: backing,
		redis:   redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		ttl:     time.Hour,
		logger:  zap.NewNop(),
		local:   make(map[string]*state.SessionState),
		access:  make(map[string]time.Time),
	}
	t.Cleanup(func() { _ = c.redis.Close() })
	return c, backing, mr
}

func TestSaveIsWriteThrough(t *testing.T) {
	c, backing, mr := newTestCached(t)
	st := state.New("user-1", state.KindBeginner, state.LevelLow)

	require.NoError(t, c.Save(context.Background(), st))
	assert.Equal(t, 1, backing.saves, "durable store is written first")
	assert.True(t, mr.Exists(sessionKey("user-1")), "redis carries the session after save")
}

func TestLoadPrefersLocalCache(t *testing.T) {
	c, backing, _ := newTestCached(t)
	st := state.New("user-1", state.KindBeginner, state.LevelLow)
	require.NoError(t, c.Save(context.Background(), st))

	loaded, err := c.Load(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", loaded.UserID)
	assert.Equal(t, 0, backing.loads, "a cached session never touches the database")
}

func TestLoadFallsBackToRedis(t *testing.T) {
	c, backing, mr := newTestCached(t)
	st := state.New("user-1", state.KindBeginner, state.LevelLow)
	doc, _ := json.Marshal(st)
	mr.Set(sessionKey("user-1"), string(doc))

	loaded, err := c.Load(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", loaded.UserID)
	assert.Equal(t, 0, backing.loads)
}

func TestLoadFallsBackToStore(t *testing.T) {
	c, backing, mr := newTestCached(t)
	st := state.New("user-1", state.KindBeginner, state.LevelLow)
	require.NoError(t, backing.Save(context.Background(), st))

	loaded, err := c.Load(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", loaded.UserID)
	assert.Equal(t, 1, backing.loads)
	assert.True(t, mr.Exists(sessionKey("user-1")), "store hits repopulate redis")
}

func TestLoadMiss(t *testing.T) {
	c, _, _ := newTestCached(t)
	_, err := c.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadReturnsCopies(t *testing.T) {
	c, _, _ := newTestCached(t)
	st := state.New("user-1", state.KindBeginner, state.LevelLow)
	require.NoError(t, c.Save(context.Background(), st))

	a, err := c.Load(context.Background(), "user-1")
	require.NoError(t, err)
	a.AddTurn("educator", "hi", "hello", nil)

	b, err := c.Load(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, b.Turns, "mutating a loaded copy must not leak into the cache")
}

func TestDeleteClearsEverywhere(t *testing.T) {
	c, _, mr := newTestCached(t)
	st := state.New("user-1", state.KindBeginner, state.LevelLow)
	require.NoError(t, c.Save(context.Background(), st))

	require.NoError(t, c.Delete(context.Background(), "user-1"))
	assert.False(t, mr.Exists(sessionKey("user-1")))
	_, err := c.Load(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisOutageDegrades(t *testing.T) {
	c, backing, mr := newTestCached(t)
	st := state.New("user-1", state.KindBeginner, state.LevelLow)
	require.NoError(t, backing.Save(context.Background(), st))
	mr.Close()

	loaded, err := c.Load(context.Background(), "user-1")
	require.NoError(t, err, "redis being down must not fail reads")
	assert.Equal(t, "user-1", loaded.UserID)
}
