package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/connection"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/store"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

type staticOpener struct {
	mem         *store.MemoryStore
	bus         *pubsub.MemoryPubSub
	presenceErr error
}

func (o *staticOpener) Open(ctx context.Context) (*connection.Backends, error) {
	b := connection.NewBackends(o.mem, o.mem, o.bus)
	if o.presenceErr != nil {
		b.Presence = nil
		b.PresenceErr = o.presenceErr
	}
	return b, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *store.MemoryStore, *clock) {
	t.Helper()
	bus := pubsub.NewMemoryPubSub()
	mem := store.NewMemoryStore(store.WithPublisher(bus))
	m := connection.NewManager(connection.Config{}, &staticOpener{mem: mem, bus: bus})
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	c := &clock{now: time.UnixMilli(1_700_000_000_000)}
	tr := NewTracker(m, cfg)
	tr.SetClock(c.Now)
	return tr, mem, c
}

var ann = domain.Identity{UserID: 1, UserName: "ann"}
var ben = domain.Identity{UserID: 2, UserName: "ben"}

func TestJoin_Idempotent(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, 5, ann))
	require.NoError(t, tr.Join(ctx, 5, ann))

	roster, err := tr.Roster(ctx, 5)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "ann", roster[0].UserName)
}

func TestSweep_RemovesOnlyStale(t *testing.T) {
	tr, _, c := newTestTracker(t, Config{StaleAfter: time.Minute})
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, 5, ann))
	c.Advance(90 * time.Second)
	require.NoError(t, tr.Join(ctx, 5, ben))

	removed, err := tr.Sweep(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, removed)

	roster, err := tr.Roster(ctx, 5)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, int64(2), roster[0].UserID)

	removed, err = tr.Sweep(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestLeave_MissingEntryIsNotAnError(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	assert.NoError(t, tr.Leave(context.Background(), 5, 99))
}

func TestSubscribeRoster_TracksJoinAndLeave(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var last []domain.OnlineUser
	unsub := tr.SubscribeRoster(ctx, 5, func(users []domain.OnlineUser) {
		mu.Lock()
		last = users
		mu.Unlock()
	})
	defer unsub()

	size := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(last)
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Join(ctx, 5, ann))
	require.NoError(t, tr.Join(ctx, 5, ben))
	require.Eventually(t, func() bool { return size() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Leave(ctx, 5, ann.UserID))
	require.Eventually(t, func() bool { return size() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_JoinHeartbeatAndLeave(t *testing.T) {
	tr, mem, c := newTestTracker(t, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
		StaleAfter:        time.Minute,
	})
	ctx := context.Background()

	s := tr.Start(ctx, 5, ann)
	require.Eventually(t, func() bool {
		users, _ := mem.ListPresence(ctx, 5)
		return len(users) == 1
	}, time.Second, 5*time.Millisecond)

	c.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		users, _ := mem.ListPresence(ctx, 5)
		return len(users) == 1 && users[0].LastActive == c.Now().UnixMilli()
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish leaving")
	}

	users, err := mem.ListPresence(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestSession_HeartbeatFailureKeepsRunning(t *testing.T) {
	tr, mem, c := newTestTracker(t, Config{
		HeartbeatInterval: 5 * time.Millisecond,
		SweepInterval:     time.Hour,
	})
	ctx := context.Background()

	s := tr.Start(ctx, 5, ann)
	require.Eventually(t, func() bool {
		users, _ := mem.ListPresence(ctx, 5)
		return len(users) == 1
	}, time.Second, 5*time.Millisecond)
	joinedAt := c.Now().UnixMilli()

	mem.SetDenyWrites(true)
	c.Advance(20 * time.Second)
	time.Sleep(30 * time.Millisecond)

	users, err := mem.ListPresence(ctx, 5)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, joinedAt, users[0].LastActive)

	mem.SetDenyWrites(false)
	require.Eventually(t, func() bool {
		users, _ := mem.ListPresence(ctx, 5)
		return len(users) == 1 && users[0].LastActive == c.Now().UnixMilli()
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	<-s.Done()
}

func TestSession_DegradedPresenceDoesNothing(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	mem := store.NewMemoryStore(store.WithPublisher(bus))
	m := connection.NewManager(connection.Config{}, &staticOpener{mem: mem, bus: bus, presenceErr: errors.New("down")})
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	tr := NewTracker(m, Config{})
	err = tr.Join(context.Background(), 5, ann)
	assert.Equal(t, domain.KindConnection, domain.KindOf(err))

	s := tr.Start(context.Background(), 5, ann)
	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSession_StopWithIdleLoopsLeavesRoster(t *testing.T) {
	tr, mem, _ := newTestTracker(t, Config{
		HeartbeatInterval: time.Hour,
		SweepInterval:     time.Hour,
		StaleAfter:        time.Minute,
	})
	ctx := context.Background()

	s := tr.Start(ctx, 9, ben)
	require.Eventually(t, func() bool {
		users, _ := mem.ListPresence(ctx, 9)
		return len(users) == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish leaving")
	}

	users, err := mem.ListPresence(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, users)
}
