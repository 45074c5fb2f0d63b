package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/store"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

type fakeOpener struct {
	opens    atomic.Int64
	delay    time.Duration
	err      error
	presence error
	mem      *store.MemoryStore
	bus      *pubsub.MemoryPubSub
	closed   atomic.Int64
}

func newFakeOpener() *fakeOpener {
	bus := pubsub.NewMemoryPubSub()
	return &fakeOpener{bus: bus, mem: store.NewMemoryStore(store.WithPublisher(bus))}
}

func (f *fakeOpener) Open(ctx context.Context) (*Backends, error) {
	f.opens.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mem.Reopen()
	b := NewBackends(f.mem, f.mem, f.bus, func() error {
		f.closed.Add(1)
		return f.mem.Close()
	})
	if f.presence != nil {
		b.Presence = nil
		b.PresenceErr = f.presence
	}
	return b, nil
}

func TestInitialize_ConcurrentCallersShareOneAttempt(t *testing.T) {
	op := newFakeOpener()
	op.delay = 50 * time.Millisecond
	m := NewManager(Config{InstanceID: "t"}, op)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := m.Initialize(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, domain.StateConnected, info.Status.State)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), op.opens.Load())

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), op.opens.Load())
}

func TestInitialize_ErrorStateUntilRetrySucceeds(t *testing.T) {
	op := newFakeOpener()
	op.err = errors.New("dial tcp: connection refused")
	m := NewManager(Config{InstanceID: "t"}, op)

	_, err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindConnection, domain.KindOf(err))
	st := m.Status()
	assert.Equal(t, domain.StateError, st.State)
	assert.Contains(t, st.Reason, "connection refused")

	op.err = nil
	_, err = m.Retry(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Status().Connected())
}

func TestInitialize_PermissionFailureClassified(t *testing.T) {
	op := newFakeOpener()
	op.err = domain.ErrPermissionDenied
	m := NewManager(Config{}, op)

	_, err := m.Initialize(context.Background())
	assert.Equal(t, domain.KindPermission, domain.KindOf(err))
}

func TestInitialize_PresenceDegrades(t *testing.T) {
	op := newFakeOpener()
	op.presence = errors.New("presence redis down")
	m := NewManager(Config{}, op)

	info, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, info.Status.State)
	assert.True(t, info.Status.Messages)
	assert.False(t, info.Status.Presence)
	assert.Contains(t, info.Status.Reason, "presence")
}

func TestInitialize_EnablesCacheOnce(t *testing.T) {
	op := newFakeOpener()
	m := NewManager(Config{}, op)

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, op.mem.CacheEnabled())
}

func TestAcquireRelease_ClosesWhenIdle(t *testing.T) {
	op := newFakeOpener()
	m := NewManager(Config{CloseWhenIdle: true}, op)

	h1, err := m.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Refs())

	h1.Release()
	h1.Release()
	assert.Equal(t, 1, m.Refs())
	assert.True(t, m.Status().Connected())

	h2.Release()
	assert.Equal(t, 0, m.Refs())
	assert.Equal(t, domain.StateUninitialized, m.Status().State)
	assert.Equal(t, int64(1), op.closed.Load())

	_, err = m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), op.opens.Load())
}

func TestAcquire_ReturnsHandleOnFailure(t *testing.T) {
	op := newFakeOpener()
	op.err = errors.New("down")
	m := NewManager(Config{}, op)

	h, err := m.Acquire(context.Background())
	require.Error(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 1, m.Refs())
	h.Release()
	assert.Equal(t, 0, m.Refs())
}

func TestWait_ResolvesAfterRetry(t *testing.T) {
	op := newFakeOpener()
	op.err = errors.New("down")
	m := NewManager(Config{}, op)

	_, err := m.Initialize(context.Background())
	require.Error(t, err)

	got := make(chan *Backends, 1)
	go func() {
		b, err := m.Wait(context.Background())
		if err == nil {
			got <- b
		}
	}()

	op.err = nil
	_, err = m.Retry(context.Background())
	require.NoError(t, err)

	select {
	case b := <-got:
		assert.NotNil(t, b.Messages)
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve")
	}
}

func TestWait_HonoursContext(t *testing.T) {
	m := NewManager(Config{}, newFakeOpener())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTestPermissions(t *testing.T) {
	op := newFakeOpener()
	m := NewManager(Config{InstanceID: "node"}, op)

	err := m.TestPermissions(context.Background())
	assert.Equal(t, domain.KindConnection, domain.KindOf(err))

	_, err = m.Initialize(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.TestPermissions(context.Background()))

	op.mem.SetDenyWrites(true)
	err = m.TestPermissions(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindPermission, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestWatch_ReceivesTransitions(t *testing.T) {
	m := NewManager(Config{}, newFakeOpener())

	var mu sync.Mutex
	var states []domain.ConnectionState
	cancel := m.Watch(func(s domain.Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	defer cancel()

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ConnectionState{domain.StateConnecting, domain.StateConnected}, states)
}

func TestDriverOpener_Memory(t *testing.T) {
	op := NewDriverOpener(StoreOptions{Driver: "memory"})
	m := NewManager(Config{CloseWhenIdle: true}, op)

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)

	b, err := m.Backends()
	require.NoError(t, err)
	_, err = b.Messages.AppendMessage(context.Background(), 1, domain.MessageDraft{SenderID: 1, Content: "kept"})
	require.NoError(t, err)
	h.Release()

	h, err = m.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	b, err = m.Backends()
	require.NoError(t, err)
	msgs, err := b.Messages.ListMessages(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestDriverOpener_UnknownDriver(t *testing.T) {
	_, err := NewDriverOpener(StoreOptions{Driver: "cassandra"}).Open(context.Background())
	assert.Error(t, err)
}
