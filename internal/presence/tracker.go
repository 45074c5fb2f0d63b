// Package presence maintains the approximate online roster of each topic.
//
// A user is online when their entry was refreshed within the stale window. Every
// mounted overlay refreshes its own entry and sweeps stale entries of its topic,
// so the roster stays correct without a leader.
package presence

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/connection"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/feed"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/store"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

// Connector is the part of the connection manager the tracker depends on.
type Connector interface {
	Wait(ctx context.Context) (*connection.Backends, error)
	Backends() (*connection.Backends, error)
}

// Config holds presence timing.
type Config struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	LeaveTimeout      time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     60 * time.Second,
		StaleAfter:        60 * time.Second,
		LeaveTimeout:      5 * time.Second,
	}
}

// Tracker reads and writes presence entries.
type Tracker struct {
	conn Connector
	cfg  Config
	now  func() time.Time
}

// NewTracker creates a tracker. Zero durations fall back to DefaultConfig.
func NewTracker(conn Connector, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = def.LeaveTimeout
	}
	return &Tracker{conn: conn, cfg: cfg, now: time.Now}
}

// SetClock overrides the clock used for LastActive and sweep cutoffs.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) presenceStore(op string) (store.PresenceStore, error) {
	b, err := t.conn.Backends()
	if err != nil {
		return nil, domain.NewError(domain.KindConnection, op, "not connected", err)
	}
	if b.Presence == nil {
		return nil, domain.NewError(domain.KindConnection, op, "presence unavailable", b.PresenceErr)
	}
	return b.Presence, nil
}

// Join upserts the user's entry with the current time. Joining twice keeps one entry.
func (t *Tracker) Join(ctx context.Context, topicID int64, user domain.Identity) error {
	ps, err := t.presenceStore("join")
	if err != nil {
		return err
	}
	return ps.UpsertPresence(ctx, topicID, domain.OnlineUser{
		UserID:     user.UserID,
		UserName:   user.UserName,
		UserImage:  user.UserImage,
		LastActive: t.now().UnixMilli(),
	})
}

// Leave removes the user's entry.
func (t *Tracker) Leave(ctx context.Context, topicID int64, userID int64) error {
	ps, err := t.presenceStore("leave")
	if err != nil {
		return err
	}
	return ps.RemovePresence(ctx, topicID, userID)
}

// Sweep removes entries not refreshed within the stale window.
func (t *Tracker) Sweep(ctx context.Context, topicID int64) ([]int64, error) {
	ps, err := t.presenceStore("sweep")
	if err != nil {
		return nil, err
	}
	removed, err := ps.SweepStale(ctx, topicID, t.now().Add(-t.cfg.StaleAfter))
	if err != nil {
		return nil, err
	}
	metrics.PresenceSwept.Add(float64(len(removed)))
	return removed, nil
}

// Roster returns the current roster once.
func (t *Tracker) Roster(ctx context.Context, topicID int64) ([]domain.OnlineUser, error) {
	ps, err := t.presenceStore("roster")
	if err != nil {
		return nil, err
	}
	return ps.ListPresence(ctx, topicID)
}

// SubscribeRoster delivers the full roster of topicID now and after every change.
// The returned function stops delivery synchronously; do not call it from fn.
func (t *Tracker) SubscribeRoster(ctx context.Context, topicID int64, fn func([]domain.OnlineUser)) (unsubscribe func()) {
	resolve := func(ctx context.Context) (feed.Source[[]domain.OnlineUser], error) {
		b, err := t.conn.Wait(ctx)
		if err != nil {
			return feed.Source[[]domain.OnlineUser]{}, err
		}
		if b.Presence == nil {
			return feed.Source[[]domain.OnlineUser]{}, domain.NewError(domain.KindConnection, "subscribe_roster", "presence unavailable", b.PresenceErr)
		}
		ps := b.Presence
		return feed.Source[[]domain.OnlineUser]{
			Subscriber: b.Events,
			Channel:    pubsub.TopicEventsChannel(topicID),
			Accept:     func(ev *pubsub.Event) bool { return ev.Type == pubsub.EventPresenceChanged },
			Load: func(ctx context.Context) ([]domain.OnlineUser, error) {
				return ps.ListPresence(ctx, topicID)
			},
		}, nil
	}

	onErr := func(err error) {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Int64(log.FieldTopicID, topicID).Msg("roster subscription error")
	}
	sub := feed.Start(ctx, resolve, fn, onErr)
	return sub.Stop
}
