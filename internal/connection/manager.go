// Package connection owns the process-wide backing store connection shared by
// every mounted overlay.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/store"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"golang.org/x/sync/singleflight"
)

const initKey = "init"

// Config controls the manager lifecycle.
type Config struct {
	InstanceID     string
	CloseWhenIdle  bool
	ConnectTimeout time.Duration
}

// Info describes an established connection.
type Info struct {
	InstanceID  string
	Status      domain.Status
	ConnectedAt time.Time
}

// Manager lazily opens the backends, reference-counts their users and publishes
// status transitions to watchers.
type Manager struct {
	cfg    Config
	opener Opener
	group  singleflight.Group

	mu          sync.Mutex
	status      domain.Status
	backends    *Backends
	connectedAt time.Time
	ready       chan struct{}
	refs        int
	cacheTried  bool

	watchMu  sync.Mutex
	watchers map[int]func(domain.Status)
	nextID   int
}

// NewManager creates a manager in the uninitialized state. Nothing is opened until
// Initialize or Acquire is called.
func NewManager(cfg Config, opener Opener) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	return &Manager{
		cfg:      cfg,
		opener:   opener,
		status:   domain.Status{State: domain.StateUninitialized},
		ready:    make(chan struct{}),
		watchers: make(map[int]func(domain.Status)),
	}
}

// Status returns the current status without blocking on I/O.
func (m *Manager) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Refs returns the number of outstanding handles.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Initialize connects if needed. Concurrent callers share one attempt; a caller
// whose ctx ends stops waiting but the attempt itself continues.
func (m *Manager) Initialize(ctx context.Context) (*Info, error) {
	if info, ok := m.connectedInfo(); ok {
		return info, nil
	}

	ch := m.group.DoChan(initKey, func() (interface{}, error) {
		return m.connect(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, domain.NewError(domain.KindConnection, "initialize", "connection attempt abandoned", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Info), nil
	}
}

func (m *Manager) connectedInfo() (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State != domain.StateConnected {
		return nil, false
	}
	return &Info{InstanceID: m.cfg.InstanceID, Status: m.status, ConnectedAt: m.connectedAt}, true
}

func (m *Manager) connect(ctx context.Context) (*Info, error) {
	if info, ok := m.connectedInfo(); ok {
		return info, nil
	}

	logger := log.Ctx(ctx).With().Str(log.FieldInstanceID, m.cfg.InstanceID).Logger()
	m.setStatus(domain.Status{State: domain.StateConnecting})

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	b, err := m.opener.Open(openCtx)
	if err != nil {
		kind := domain.KindConnection
		if domain.IsPermission(err) {
			kind = domain.KindPermission
		}
		cerr := domain.NewError(kind, "initialize", "failed to connect to the discussion store", err)
		logger.Error().Err(err).Msg("store connection failed")
		m.setStatus(domain.Status{State: domain.StateError, Reason: err.Error()})
		return nil, cerr
	}

	status := domain.Status{State: domain.StateConnected, Messages: true, Presence: b.Presence != nil}
	if b.PresenceErr != nil {
		status.Reason = fmt.Sprintf("presence unavailable: %v", b.PresenceErr)
	}

	m.mu.Lock()
	m.backends = b
	m.connectedAt = time.Now()
	m.status = status
	close(m.ready)
	tryCache := !m.cacheTried
	m.cacheTried = true
	info := &Info{InstanceID: m.cfg.InstanceID, Status: status, ConnectedAt: m.connectedAt}
	m.mu.Unlock()

	m.notify(status)
	logger.Info().Bool("presence", status.Presence).Msg("store connected")

	if tryCache {
		m.enableCache(ctx, b)
	}
	return info, nil
}

// enableCache is best effort: failure only costs read latency.
func (m *Manager) enableCache(ctx context.Context, b *Backends) {
	c, ok := b.Messages.(store.Cacher)
	if !ok {
		return
	}
	if err := c.EnableCache(ctx); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("local cache unavailable")
	}
}

// Retry clears an error state and connects again.
func (m *Manager) Retry(ctx context.Context) (*Info, error) {
	return m.Initialize(ctx)
}

// Wait blocks until the backends are connected or ctx ends. Error states keep
// waiting because a retry may still succeed.
func (m *Manager) Wait(ctx context.Context) (*Backends, error) {
	for {
		m.mu.Lock()
		if m.status.State == domain.StateConnected && m.backends != nil {
			b := m.backends
			m.mu.Unlock()
			return b, nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Backends returns the current backends or domain.ErrNotConnected.
func (m *Manager) Backends() (*Backends, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State != domain.StateConnected || m.backends == nil {
		return nil, domain.ErrNotConnected
	}
	return m.backends, nil
}

// TestPermissions writes, reads back and deletes a canary entry.
func (m *Manager) TestPermissions(ctx context.Context) error {
	const op = "test_permissions"

	b, err := m.Backends()
	if err != nil {
		return domain.NewError(domain.KindConnection, op, "store is not connected", err)
	}
	diag, ok := b.Messages.(store.Diagnostics)
	if !ok {
		return nil
	}

	classify := func(msg string, err error) error {
		if domain.IsPermission(err) {
			return domain.NewError(domain.KindPermission, op, "missing permission: "+msg, err)
		}
		return domain.NewError(domain.KindConnection, op, msg, err)
	}

	key := store.CanaryKey(m.cfg.InstanceID)
	value := uuid.New().String()

	if err := diag.WriteCanary(ctx, key, value); err != nil {
		return classify("canary write failed", err)
	}
	got, err := diag.ReadCanary(ctx, key)
	if err != nil {
		return classify("canary read failed", err)
	}
	if got != value {
		return domain.NewError(domain.KindConnection, op, "canary read back a different value", nil)
	}
	if err := diag.DeleteCanary(ctx, key); err != nil {
		return classify("canary delete failed", err)
	}
	return nil
}

// Handle is one overlay's claim on the connection.
type Handle struct {
	m    *Manager
	once sync.Once
}

// Acquire registers a user and connects if needed. The handle is returned even
// when connecting fails and must always be released.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()

	h := &Handle{m: m}
	_, err := m.Initialize(ctx)
	return h, err
}

// Release drops the claim. Calling it more than once has no further effect.
func (h *Handle) Release() {
	h.once.Do(h.m.release)
}

func (m *Manager) release() {
	m.mu.Lock()
	m.refs--
	if m.refs > 0 || !m.cfg.CloseWhenIdle || m.backends == nil {
		m.mu.Unlock()
		return
	}
	b := m.backends
	m.backends = nil
	m.status = domain.Status{State: domain.StateUninitialized}
	m.ready = make(chan struct{})
	m.mu.Unlock()

	l := log.L()
	if err := b.Close(); err != nil {
		l.Warn().Err(err).Msg("error closing idle store connection")
	}
	l.Info().Msg("store connection closed, no active overlays")
	m.notify(domain.Status{State: domain.StateUninitialized})
}

// Close closes the backends regardless of outstanding handles.
func (m *Manager) Close() error {
	m.mu.Lock()
	b := m.backends
	m.backends = nil
	m.status = domain.Status{State: domain.StateUninitialized}
	m.ready = make(chan struct{})
	m.mu.Unlock()

	if b == nil {
		return nil
	}
	return b.Close()
}

// Watch registers fn for status transitions. fn runs on the goroutine that caused
// the transition and must not block.
func (m *Manager) Watch(fn func(domain.Status)) (cancel func()) {
	m.watchMu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.watchMu.Unlock()

	return func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

func (m *Manager) setStatus(s domain.Status) {
	m.mu.Lock()
	if m.status.State == domain.StateConnected && s.State == domain.StateConnecting {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()
	m.notify(s)
}

func (m *Manager) notify(s domain.Status) {
	m.watchMu.Lock()
	fns := make([]func(domain.Status), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
