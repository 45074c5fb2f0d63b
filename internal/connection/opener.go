package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/store"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

// Opener opens the backing stores.
type Opener interface {
	Open(ctx context.Context) (*Backends, error)
}

// StoreOptions selects and configures the backing drivers.
type StoreOptions struct {
	Driver        string // "redis" or "memory"
	Redis         store.RedisConfig
	PresenceRedis store.RedisConfig // optional second backend for presence
	PubSub        pubsub.Config
}

// DriverOpener opens backends according to StoreOptions. In-memory parts are
// created once and survive reopening so data outlives an idle close.
type DriverOpener struct {
	opts StoreOptions

	mu        sync.Mutex
	memory    *store.MemoryStore
	memoryBus *pubsub.MemoryPubSub
}

// NewDriverOpener creates an opener for the given options.
func NewDriverOpener(opts StoreOptions) *DriverOpener {
	return &DriverOpener{opts: opts}
}

func (o *DriverOpener) Open(ctx context.Context) (*Backends, error) {
	switch o.opts.Driver {
	case "memory":
		return o.openMemory(ctx)
	case "redis", "":
		return o.openRedis(ctx)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", o.opts.Driver)
	}
}

func (o *DriverOpener) sharedMemory() (*store.MemoryStore, *pubsub.MemoryPubSub) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.memoryBus == nil {
		o.memoryBus = pubsub.NewMemoryPubSub()
	}
	if o.memory == nil {
		o.memory = store.NewMemoryStore(store.WithPublisher(o.memoryBus))
	} else {
		o.memory.Reopen()
	}
	return o.memory, o.memoryBus
}

// openEvents returns the bus for non-memory stores. The memory driver always uses
// the in-process bus because its notifications never leave the process.
func (o *DriverOpener) openEvents() (pubsub.PubSub, error) {
	cfg := o.opts.PubSub
	if cfg.Driver == "memory" {
		_, bus := o.sharedMemory()
		return nopClose{bus}, nil
	}
	return pubsub.NewPubSub(cfg)
}

func (o *DriverOpener) openMemory(ctx context.Context) (*Backends, error) {
	mem, bus := o.sharedMemory()
	l := log.Ctx(ctx)
	l.Info().Msg("using in-memory store")
	return NewBackends(mem, mem, bus, mem.Close), nil
}

func (o *DriverOpener) openRedis(ctx context.Context) (*Backends, error) {
	logger := log.Ctx(ctx)

	client, err := store.DialRedis(ctx, o.opts.Redis)
	if err != nil {
		return nil, err
	}

	var events pubsub.PubSub
	sameRedis := o.opts.PubSub.Redis.Address == "" || o.opts.PubSub.Redis.Address == o.opts.Redis.Address
	if (o.opts.PubSub.Driver == "redis" || o.opts.PubSub.Driver == "") && sameRedis {
		events = pubsub.NewRedisPubSubFromClient(client)
	} else {
		events, err = o.openEvents()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to open %s pubsub: %w", o.opts.PubSub.Driver, err)
		}
	}

	messages := store.NewRedisStoreFromClient(client, events)
	b := NewBackends(messages, messages, events, events.Close, messages.Close)

	if o.opts.PresenceRedis.Address != "" && o.opts.PresenceRedis.Address != o.opts.Redis.Address {
		presence, err := store.NewRedisStore(ctx, o.opts.PresenceRedis, events)
		if err != nil {
			logger.Warn().Err(err).Str("address", o.opts.PresenceRedis.Address).Msg("presence backend unavailable, continuing without presence")
			b.Presence = nil
			b.PresenceErr = err
		} else {
			b.Presence = presence
			b.closers = append(b.closers, presence.Close)
		}
	}

	logger.Info().
		Str("address", o.opts.Redis.Address).
		Str("pubsub", o.opts.PubSub.Driver).
		Bool("presence", b.Presence != nil).
		Msg("connected to redis")
	return b, nil
}

// nopClose shields a shared bus from being closed with a single set of backends.
type nopClose struct {
	*pubsub.MemoryPubSub
}

func (nopClose) Close() error { return nil }
