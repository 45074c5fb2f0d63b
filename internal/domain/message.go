package domain

import (
	"sort"
	"time"
)

// DeletedMarker replaces the content of a soft-deleted message.
const DeletedMarker = "this message was deleted"

// Identity is the author/viewer tuple supplied by the host page.
type Identity struct {
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	UserImage string `json:"user_image,omitempty"`
}

// MessageDraft is what a sender submits. Display metadata is captured here and
// never re-resolved later.
type MessageDraft struct {
	SenderID    int64
	SenderName  string
	SenderImage string
	Content     string
}

// Message is a single entry in a topic's ordered log.
type Message struct {
	ID          string    `json:"id"`
	SenderID    int64     `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	SenderImage string    `json:"sender_image,omitempty"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsRead      bool      `json:"is_read"`
	IsDeleted   bool      `json:"is_deleted"`

	// Seq is the store-assigned insertion order within the topic; it breaks
	// timestamp ties.
	Seq int64 `json:"seq"`
}

// Before reports whether m sorts before other in the topic log.
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.Seq < other.Seq
}

// SortMessages orders messages by timestamp, then store insertion order.
// Stores use it to normalise their own output; consumers never re-sort.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

// ChatMetadata is the per-topic summary document refreshed on every send.
type ChatMetadata struct {
	TopicID      int64     `json:"topic_id"`
	LastActivity time.Time `json:"last_activity"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int64     `json:"message_count"`
}
