package chat

import (
	"context"
	"sync"
	"sync/atomic"
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
	mem *store.MemoryStore
	bus *pubsub.MemoryPubSub
}

func (o *staticOpener) Open(ctx context.Context) (*connection.Backends, error) {
	return connection.NewBackends(o.mem, o.mem, o.bus), nil
}

func newTestStream(t *testing.T, cfg Config) (*Stream, *connection.Manager, *store.MemoryStore) {
	t.Helper()
	bus := pubsub.NewMemoryPubSub()
	mem := store.NewMemoryStore(store.WithPublisher(bus))
	m := connection.NewManager(connection.Config{}, &staticOpener{mem: mem, bus: bus})
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	return NewStream(m, cfg), m, mem
}

type recorder struct {
	mu    sync.Mutex
	snaps [][]domain.Message
}

func (r *recorder) record(msgs []domain.Message) {
	r.mu.Lock()
	r.snaps = append(r.snaps, msgs)
	r.mu.Unlock()
}

func (r *recorder) last() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

var alice = domain.Identity{UserID: 1, UserName: "alice"}
var bob = domain.Identity{UserID: 2, UserName: "bob"}

func TestSubscribe_DeliversOrderedSnapshots(t *testing.T) {
	s, _, _ := newTestStream(t, Config{})
	ctx := context.Background()

	rec := &recorder{}
	unsub := s.Subscribe(ctx, 10, rec.record)
	defer unsub()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.last())

	_, err := s.Send(ctx, 10, "first", alice)
	require.NoError(t, err)
	_, err = s.Send(ctx, 10, "second", bob)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.last()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := rec.last()
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.True(t, msgs[0].Before(msgs[1]))
}

func TestSubscribe_DeletePreservesPositionAndLength(t *testing.T) {
	s, _, _ := newTestStream(t, Config{})
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		id, err := s.Send(ctx, 10, c, alice)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	rec := &recorder{}
	unsub := s.Subscribe(ctx, 10, rec.record)
	defer unsub()
	require.Eventually(t, func() bool { return len(rec.last()) == 3 }, time.Second, 5*time.Millisecond)
	before := rec.count()

	require.NoError(t, s.SoftDelete(ctx, 10, ids[1], alice.UserID))

	require.Eventually(t, func() bool { return rec.count() > before }, time.Second, 5*time.Millisecond)
	msgs := rec.last()
	require.Len(t, msgs, 3)
	assert.Equal(t, ids[1], msgs[1].ID)
	assert.True(t, msgs[1].IsDeleted)
	assert.Equal(t, domain.DeletedMarker, msgs[1].Content)
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, "c", msgs[2].Content)
}

func TestSubscribe_NoCallbacksAfterUnsubscribe(t *testing.T) {
	s, _, _ := newTestStream(t, Config{})
	ctx := context.Background()

	var calls atomic.Int64
	unsub := s.Subscribe(ctx, 10, func([]domain.Message) { calls.Add(1) })
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	unsub()
	after := calls.Load()

	for i := 0; i < 5; i++ {
		_, err := s.Send(ctx, 10, "late", alice)
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestSubscribe_WaitsForConnection(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	mem := store.NewMemoryStore(store.WithPublisher(bus))
	m := connection.NewManager(connection.Config{}, &staticOpener{mem: mem, bus: bus})
	s := NewStream(m, Config{})

	rec := &recorder{}
	unsub := s.Subscribe(context.Background(), 10, rec.record)
	defer unsub()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_HistoryLimit(t *testing.T) {
	s, _, _ := newTestStream(t, Config{HistoryLimit: 2})
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		_, err := s.Send(ctx, 10, c, alice)
		require.NoError(t, err)
	}

	rec := &recorder{}
	unsub := s.Subscribe(ctx, 10, rec.record)
	defer unsub()

	require.Eventually(t, func() bool { return len(rec.last()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", rec.last()[0].Content)
	assert.Equal(t, "c", rec.last()[1].Content)
}

func TestSend_TrimsAndRejectsEmpty(t *testing.T) {
	s, _, mem := newTestStream(t, Config{})
	ctx := context.Background()

	_, err := s.Send(ctx, 10, "   ", alice)
	require.Error(t, err)
	assert.Equal(t, domain.KindSend, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrEmptyContent)

	_, err = s.Send(ctx, 10, "  hi  ", alice)
	require.NoError(t, err)

	msgs, err := mem.ListMessages(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "alice", msgs[0].SenderName)
}

func TestSend_UpdatesMetadataInBackground(t *testing.T) {
	s, _, _ := newTestStream(t, Config{})
	ctx := context.Background()

	_, err := s.Send(ctx, 10, "hi", alice)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		meta, err := s.Metadata(ctx, 10)
		return err == nil && meta.MessageCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSend_ConcurrentSendersYieldStableOrder(t *testing.T) {
	s, _, _ := newTestStream(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, who := range []domain.Identity{alice, bob} {
		wg.Add(1)
		go func(who domain.Identity) {
			defer wg.Done()
			_, err := s.Send(ctx, 10, "from "+who.UserName, who)
			assert.NoError(t, err)
		}(who)
	}
	wg.Wait()

	first, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.History(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[1].ID, second[1].ID)
}

func TestSend_PermissionDenied(t *testing.T) {
	s, m, mem := newTestStream(t, Config{})
	ctx := context.Background()
	mem.SetDenyWrites(true)

	perr := m.TestPermissions(ctx)
	assert.Equal(t, domain.KindPermission, domain.KindOf(perr))

	_, err := s.Send(ctx, 10, "hello", alice)
	require.Error(t, err)
	assert.Equal(t, domain.KindSend, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestSoftDelete_OnlySender(t *testing.T) {
	s, _, _ := newTestStream(t, Config{})
	ctx := context.Background()

	id, err := s.Send(ctx, 10, "mine", alice)
	require.NoError(t, err)

	err = s.SoftDelete(ctx, 10, id, bob.UserID)
	require.Error(t, err)
	assert.Equal(t, domain.KindDelete, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrNotSender)

	msgs, err := s.History(ctx, 10)
	require.NoError(t, err)
	assert.False(t, msgs[0].IsDeleted)
}

func TestSend_NotConnected(t *testing.T) {
	m := connection.NewManager(connection.Config{}, &staticOpener{})
	s := NewStream(m, Config{})

	_, err := s.Send(context.Background(), 1, "hi", alice)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, domain.KindSend, domain.KindOf(err))
}
