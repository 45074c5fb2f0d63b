package connection

import (
	"errors"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/store"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

// Backends are the opened stores shared by every mounted overlay.
type Backends struct {
	Messages store.MessageStore
	// Presence is nil when the presence backend could not be opened.
	Presence store.PresenceStore
	Events   pubsub.Subscriber

	// PresenceErr explains a nil Presence.
	PresenceErr error

	closers []func() error
}

// NewBackends assembles backends from already opened parts. closers run in order on Close.
func NewBackends(messages store.MessageStore, presence store.PresenceStore, events pubsub.Subscriber, closers ...func() error) *Backends {
	return &Backends{
		Messages: messages,
		Presence: presence,
		Events:   events,
		closers:  closers,
	}
}

// Close releases every opened part.
func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
