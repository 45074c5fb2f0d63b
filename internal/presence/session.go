package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
)

// Session keeps one user's entry alive in one topic and sweeps the topic.
type Session struct {
	t       *Tracker
	topicID int64
	user    domain.Identity

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	done   chan struct{}
	joined atomic.Bool
}

// Start joins the topic once the store is connected, then runs the heartbeat and
// sweep loops until Stop.
func (t *Tracker) Start(ctx context.Context, topicID int64, user domain.Identity) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		t:       t,
		topicID: topicID,
		user:    user,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run(ctx)
	return s
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	logger := log.Ctx(ctx)

	b, err := s.t.conn.Wait(ctx)
	if err != nil {
		return
	}
	if b.Presence == nil {
		logger.Warn().Err(b.PresenceErr).Msg("presence unavailable, not joining roster")
		return
	}

	if err := s.t.Join(ctx, s.topicID, s.user); err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("failed to join presence")
		}
	} else {
		s.joined.Store(true)
	}

	// Sweep once on join so entries left by crashed clients disappear promptly.
	s.sweep(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, s.t.cfg.SweepInterval, s.sweep)
	}()
	s.loop(ctx, s.t.cfg.HeartbeatInterval, s.heartbeat)
}

func (s *Session) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (s *Session) heartbeat(ctx context.Context) {
	if err := s.t.Join(ctx, s.topicID, s.user); err != nil {
		if ctx.Err() == nil {
			metrics.HeartbeatFailures.Inc()
			l := log.Ctx(ctx)
			l.Error().Err(err).Msg("presence heartbeat failed")
		}
		return
	}
	s.joined.Store(true)
}

func (s *Session) sweep(ctx context.Context) {
	removed, err := s.t.Sweep(ctx, s.topicID)
	if err != nil {
		if ctx.Err() == nil {
			l := log.Ctx(ctx)
			l.Error().Err(err).Msg("presence sweep failed")
		}
		return
	}
	if len(removed) > 0 {
		l := log.Ctx(ctx)
		l.Debug().Ints64("user_ids", removed).Msg("removed stale presence entries")
	}
}

// Stop ends the loops and removes the user's entry in the background. It does not
// block on the store; Done is closed once the leave has finished.
func (s *Session) Stop() {
	s.once.Do(func() {
		s.cancel()
		go func() {
			defer close(s.done)
			s.wg.Wait()
			if !s.joined.Load() {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.t.cfg.LeaveTimeout)
			defer cancel()
			if err := s.t.Leave(ctx, s.topicID, s.user.UserID); err != nil {
				l := log.L()
				l.Warn().Err(err).
					Int64(log.FieldTopicID, s.topicID).
					Int64(log.FieldUserID, s.user.UserID).
					Msg("failed to leave presence")
			}
		}()
	})
}

// Done is closed after Stop has finished removing the entry.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
