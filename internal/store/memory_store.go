package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithPublisher sets the bus that receives change notifications.
func WithPublisher(p pubsub.Publisher) MemoryOption {
	return func(s *MemoryStore) { s.publisher = p }
}

type memoryTopic struct {
	seq      int64
	order    []string
	messages map[string]*domain.Message
	meta     *domain.ChatMetadata
	presence map[int64]domain.OnlineUser
}

// MemoryStore is an in-process implementation of every store interface. It backs
// single-instance deployments ("memory" driver) and tests.
type MemoryStore struct {
	mu        sync.Mutex
	topics    map[int64]*memoryTopic
	canaries  map[string]string
	now       func() time.Time
	publisher pubsub.Publisher

	denyWrites bool
	closed     bool
	cached     bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		topics:   make(map[int64]*memoryTopic),
		canaries: make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDenyWrites makes every subsequent write fail with domain.ErrPermissionDenied.
func (s *MemoryStore) SetDenyWrites(deny bool) {
	s.mu.Lock()
	s.denyWrites = deny
	s.mu.Unlock()
}

// CacheEnabled reports whether EnableCache has been called.
func (s *MemoryStore) CacheEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

func (s *MemoryStore) topic(topicID int64) *memoryTopic {
	t, ok := s.topics[topicID]
	if !ok {
		t = &memoryTopic{
			messages: make(map[string]*domain.Message),
			presence: make(map[int64]domain.OnlineUser),
		}
		s.topics[topicID] = t
	}
	return t
}

// checkWrite must be called with mu held.
func (s *MemoryStore) checkWrite() error {
	if s.closed {
		return domain.ErrClosed
	}
	if s.denyWrites {
		return fmt.Errorf("%w: write rejected", domain.ErrPermissionDenied)
	}
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, topicID int64, draft domain.MessageDraft) (domain.Message, error) {
	s.mu.Lock()
	if err := s.checkWrite(); err != nil {
		s.mu.Unlock()
		return domain.Message{}, err
	}

	t := s.topic(topicID)
	t.seq++
	msg := domain.Message{
		ID:          fmt.Sprintf("%016x-%s", t.seq, uuid.New().String()),
		SenderID:    draft.SenderID,
		SenderName:  draft.SenderName,
		SenderImage: draft.SenderImage,
		Content:     draft.Content,
		Timestamp:   s.now().Truncate(time.Millisecond),
		Seq:         t.seq,
	}
	stored := msg
	t.messages[msg.ID] = &stored
	t.order = append(t.order, msg.ID)
	s.mu.Unlock()

	publish(ctx, s.publisher, topicID, pubsub.EventMessageAdded)
	return msg, nil
}

func (s *MemoryStore) SoftDeleteMessage(ctx context.Context, topicID int64, messageID string, requesterID int64) error {
	s.mu.Lock()
	if err := s.checkWrite(); err != nil {
		s.mu.Unlock()
		return err
	}

	msg, ok := s.topic(topicID).messages[messageID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	if msg.SenderID != requesterID {
		s.mu.Unlock()
		return domain.ErrNotSender
	}
	msg.Content = domain.DeletedMarker
	msg.IsDeleted = true
	s.mu.Unlock()

	publish(ctx, s.publisher, topicID, pubsub.EventMessageDeleted)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, topicID int64, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrClosed
	}

	t := s.topic(topicID)
	msgs := make([]domain.Message, 0, len(t.order))
	for _, id := range t.order {
		msgs = append(msgs, *t.messages[id])
	}
	domain.SortMessages(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *MemoryStore) MergeMetadata(ctx context.Context, topicID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWrite(); err != nil {
		return err
	}

	t := s.topic(topicID)
	if t.meta == nil {
		t.meta = &domain.ChatMetadata{TopicID: topicID}
	}
	t.meta.MessageCount++
	t.meta.LastActivity = at
	t.meta.UpdatedAt = at
	return nil
}

func (s *MemoryStore) GetMetadata(ctx context.Context, topicID int64) (*domain.ChatMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topicID)
	if t.meta == nil {
		return nil, domain.ErrNotFound
	}
	meta := *t.meta
	return &meta, nil
}

// EnableCache records that the cache was requested; the store is already local.
func (s *MemoryStore) EnableCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	s.cached = true
	return nil
}

func (s *MemoryStore) UpsertPresence(ctx context.Context, topicID int64, user domain.OnlineUser) error {
	s.mu.Lock()
	if err := s.checkWrite(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.topic(topicID).presence[user.UserID] = user
	s.mu.Unlock()

	publish(ctx, s.publisher, topicID, pubsub.EventPresenceChanged)
	return nil
}

func (s *MemoryStore) RemovePresence(ctx context.Context, topicID int64, userID int64) error {
	s.mu.Lock()
	if err := s.checkWrite(); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.topic(topicID).presence, userID)
	s.mu.Unlock()

	publish(ctx, s.publisher, topicID, pubsub.EventPresenceChanged)
	return nil
}

func (s *MemoryStore) ListPresence(ctx context.Context, topicID int64) ([]domain.OnlineUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrClosed
	}

	t := s.topic(topicID)
	users := make([]domain.OnlineUser, 0, len(t.presence))
	for _, u := range t.presence {
		users = append(users, u)
	}
	domain.SortRoster(users)
	return users, nil
}

func (s *MemoryStore) SweepStale(ctx context.Context, topicID int64, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	if err := s.checkWrite(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	limit := cutoff.UnixMilli()
	var removed []int64
	t := s.topic(topicID)
	for id, u := range t.presence {
		if u.LastActive < limit {
			delete(t.presence, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		publish(ctx, s.publisher, topicID, pubsub.EventPresenceChanged)
	}
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

func (s *MemoryStore) WriteCanary(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	s.canaries[key] = value
	return nil
}

func (s *MemoryStore) ReadCanary(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.canaries[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) DeleteCanary(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	delete(s.canaries, key)
	return nil
}

// Close marks the store closed. Data is kept so a reopened manager can share it in tests.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reopen clears the closed flag.
func (s *MemoryStore) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}
