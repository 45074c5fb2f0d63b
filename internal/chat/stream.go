// Package chat reads and writes a topic's message log.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/connection"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/feed"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

// Connector is the part of the connection manager the stream depends on.
type Connector interface {
	Wait(ctx context.Context) (*connection.Backends, error)
	Backends() (*connection.Backends, error)
}

// Config holds stream settings.
type Config struct {
	// HistoryLimit caps each snapshot to the newest messages. 0 means unlimited.
	HistoryLimit int
	// SendTimeout bounds a send. 0 means no timeout.
	SendTimeout time.Duration
}

// Stream is shared by every overlay of the process.
type Stream struct {
	conn Connector
	cfg  Config
}

// NewStream creates a message stream.
func NewStream(conn Connector, cfg Config) *Stream {
	return &Stream{conn: conn, cfg: cfg}
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	onErr func(error)
}

// OnError receives load failures. It is called on the delivery goroutine.
func OnError(fn func(error)) SubscribeOption {
	return func(o *subscribeOptions) { o.onErr = fn }
}

// Subscribe delivers the full ordered message list of topicID now and after every
// change. It waits for the connection if the store is not connected yet.
// The returned function stops delivery synchronously; do not call it from fn.
func (s *Stream) Subscribe(ctx context.Context, topicID int64, fn func([]domain.Message), opts ...SubscribeOption) (unsubscribe func()) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	resolve := func(ctx context.Context) (feed.Source[[]domain.Message], error) {
		b, err := s.conn.Wait(ctx)
		if err != nil {
			return feed.Source[[]domain.Message]{}, err
		}
		return feed.Source[[]domain.Message]{
			Subscriber: b.Events,
			Channel:    pubsub.TopicEventsChannel(topicID),
			Accept:     isMessageEvent,
			Load: func(ctx context.Context) ([]domain.Message, error) {
				return b.Messages.ListMessages(ctx, topicID, s.cfg.HistoryLimit)
			},
		}, nil
	}

	sub := feed.Start(ctx, resolve, fn, o.onErr)
	return sub.Stop
}

func isMessageEvent(ev *pubsub.Event) bool {
	return ev.Type == pubsub.EventMessageAdded || ev.Type == pubsub.EventMessageDeleted
}

// Send appends a message authored by author and returns its id. The topic's
// metadata document is refreshed in the background; its failure never fails the send.
func (s *Stream) Send(ctx context.Context, topicID int64, content string, author domain.Identity) (string, error) {
	const op = "send"

	content = strings.TrimSpace(content)
	if content == "" {
		return "", domain.NewError(domain.KindSend, op, "message is empty", domain.ErrEmptyContent)
	}

	b, err := s.conn.Backends()
	if err != nil {
		return "", domain.NewError(domain.KindSend, op, "not connected", err)
	}

	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	logger := log.Ctx(ctx)

	go func(ctx context.Context) {
		if err := b.Messages.MergeMetadata(ctx, topicID, time.Now()); err != nil {
			logger.Warn().Err(err).Int64(log.FieldTopicID, topicID).Msg("failed to update topic metadata")
		}
	}(context.WithoutCancel(ctx))

	msg, err := b.Messages.AppendMessage(ctx, topicID, domain.MessageDraft{
		SenderID:    author.UserID,
		SenderName:  author.UserName,
		SenderImage: author.UserImage,
		Content:     content,
	})
	metrics.MessagesSent.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		logger.Error().Err(err).Int64(log.FieldTopicID, topicID).Msg("failed to send message")
		reason := "failed to send message"
		if domain.IsPermission(err) {
			reason = "permission denied while sending message"
		}
		return "", domain.NewError(domain.KindSend, op, reason, err)
	}

	logger.Debug().Int64(log.FieldTopicID, topicID).Str(log.FieldMessageID, msg.ID).Msg("message sent")
	return msg.ID, nil
}

// SoftDelete tombstones a message. The store rejects requesters other than the sender.
func (s *Stream) SoftDelete(ctx context.Context, topicID int64, messageID string, requesterID int64) error {
	const op = "delete"

	b, err := s.conn.Backends()
	if err != nil {
		return domain.NewError(domain.KindDelete, op, "not connected", err)
	}

	err = b.Messages.SoftDeleteMessage(ctx, topicID, messageID, requesterID)
	metrics.MessagesDeleted.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).
			Int64(log.FieldTopicID, topicID).
			Str(log.FieldMessageID, messageID).
			Msg("failed to delete message")
		return domain.NewError(domain.KindDelete, op, "failed to delete message", err)
	}
	return nil
}

// History returns the current snapshot once.
func (s *Stream) History(ctx context.Context, topicID int64) ([]domain.Message, error) {
	b, err := s.conn.Backends()
	if err != nil {
		return nil, domain.NewError(domain.KindConnection, "history", "not connected", err)
	}
	return b.Messages.ListMessages(ctx, topicID, s.cfg.HistoryLimit)
}

// Metadata returns the topic's summary document.
func (s *Stream) Metadata(ctx context.Context, topicID int64) (*domain.ChatMetadata, error) {
	b, err := s.conn.Backends()
	if err != nil {
		return nil, domain.NewError(domain.KindConnection, "metadata", "not connected", err)
	}
	return b.Messages.GetMetadata(ctx, topicID)
}
