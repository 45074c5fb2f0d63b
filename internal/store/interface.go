package store

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
)

// MessageStore persists topic message logs and their metadata documents.
type MessageStore interface {
	// AppendMessage inserts a message stamped with the store's clock and returns it
	// with its assigned ID, Timestamp and Seq.
	AppendMessage(ctx context.Context, topicID int64, draft domain.MessageDraft) (domain.Message, error)

	// SoftDeleteMessage replaces the content with domain.DeletedMarker. The store
	// rejects the write with domain.ErrNotSender unless requesterID sent the message.
	SoftDeleteMessage(ctx context.Context, topicID int64, messageID string, requesterID int64) error

	// ListMessages returns the newest limit messages in ascending order.
	ListMessages(ctx context.Context, topicID int64, limit int) ([]domain.Message, error)

	// MergeMetadata bumps the message count and refreshes activity timestamps.
	MergeMetadata(ctx context.Context, topicID int64, at time.Time) error

	// GetMetadata returns domain.ErrNotFound for a topic that never had a message.
	GetMetadata(ctx context.Context, topicID int64) (*domain.ChatMetadata, error)

	// Close releases the underlying connection.
	Close() error
}

// PresenceStore persists the online roster of each topic.
type PresenceStore interface {
	// UpsertPresence writes the entry keyed by user id; repeated calls keep one entry.
	UpsertPresence(ctx context.Context, topicID int64, user domain.OnlineUser) error

	// RemovePresence deletes the user's entry. Removing a missing entry is not an error.
	RemovePresence(ctx context.Context, topicID int64, userID int64) error

	// ListPresence returns the roster ordered by user id.
	ListPresence(ctx context.Context, topicID int64) ([]domain.OnlineUser, error)

	// SweepStale atomically deletes entries whose last activity is before cutoff
	// and returns the removed user ids.
	SweepStale(ctx context.Context, topicID int64, cutoff time.Time) ([]int64, error)

	// Close releases the underlying connection.
	Close() error
}

// Diagnostics is implemented by stores that can run the canary permission test.
type Diagnostics interface {
	Ping(ctx context.Context) error
	WriteCanary(ctx context.Context, key, value string) error
	ReadCanary(ctx context.Context, key string) (string, error)
	DeleteCanary(ctx context.Context, key string) error
}

// Cacher is implemented by stores that offer an optional local read cache.
type Cacher interface {
	EnableCache(ctx context.Context) error
}

// CanaryKey returns the diagnostics key written by an instance's permission test.
func CanaryKey(instanceID string) string {
	return "diagnostics:canary:" + instanceID
}
