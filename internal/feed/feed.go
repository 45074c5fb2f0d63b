// Package feed turns change notifications into full-snapshot deliveries.
//
// A feed subscribes to a topic's event channel first and only then loads the
// initial snapshot, so no change between the two is missed. Every later event
// triggers a reload; events queued during a load collapse into one reload.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

// resubscribeDelay is the pause before re-establishing a dropped event subscription.
const resubscribeDelay = time.Second

// Source describes where snapshots come from and which events invalidate them.
type Source[T any] struct {
	Subscriber pubsub.Subscriber
	Channel    string
	// Accept filters events; nil accepts all.
	Accept func(*pubsub.Event) bool
	Load   func(ctx context.Context) (T, error)
}

// Resolver produces the Source once its backing store is reachable. It may block.
type Resolver[T any] func(ctx context.Context) (Source[T], error)

// Subscription is a running feed.
type Subscription struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Start runs a feed until Stop is called or ctx is done. fn receives each snapshot
// serially; onErr (optional) receives load and subscribe failures.
func Start[T any](ctx context.Context, resolve Resolver[T], fn func(T), onErr func(error)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel}
	go run(ctx, s, resolve, fn, onErr)
	return s
}

// Stop cancels the feed. After Stop returns fn is never called again.
// Stop blocks while a delivery is in progress, so it must not be called from fn.
func (s *Subscription) Stop() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Subscription) deliver(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	f()
}

func (s *Subscription) report(onErr func(error), err error) {
	if onErr == nil {
		return
	}
	s.deliver(func() { onErr(err) })
}

func run[T any](ctx context.Context, s *Subscription, resolve Resolver[T], fn func(T), onErr func(error)) {
	src, err := resolve(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.report(onErr, err)
		}
		return
	}

	logger := log.Ctx(ctx).With().Str("channel", src.Channel).Logger()

	for ctx.Err() == nil {
		events, err := src.Subscriber.Subscribe(ctx, src.Channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("feed subscribe failed")
			s.report(onErr, err)
			if !sleep(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		load := func() {
			snap, err := src.Load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("feed load failed")
					s.report(onErr, err)
				}
				return
			}
			s.deliver(func() { fn(snap) })
		}

		load()
		if !pump(ctx, events, src.Accept, load) {
			return
		}
		logger.Debug().Msg("feed event channel closed, resubscribing")
		if !sleep(ctx, resubscribeDelay) {
			return
		}
	}
}

// pump reloads on accepted events. It returns false once ctx is done and true
// when the event channel closed on its own.
func pump(ctx context.Context, events <-chan *pubsub.Event, accept func(*pubsub.Event) bool, load func()) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			dirty := accept == nil || accept(ev)
		drain:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						break drain
					}
					if accept == nil || accept(ev) {
						dirty = true
					}
				default:
					break drain
				}
			}
			if dirty {
				load()
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
