package pubsub

import "fmt"

// Channel naming conventions for discussion change notifications.
const (
	// ChannelTopicEvents carries every change to a topic's messages or presence roster.
	ChannelTopicEvents = "discussion:topic:%d:events"
)

// Event types published on a topic channel.
const (
	EventMessageAdded    = "message_added"
	EventMessageDeleted  = "message_deleted"
	EventPresenceChanged = "presence_changed"
)

// TopicEventsChannel returns the channel name for a topic's change notifications.
func TopicEventsChannel(topicID int64) string {
	return fmt.Sprintf(ChannelTopicEvents, topicID)
}
