// Package messaging carries grade events between the recalculation pipeline
// and its listeners, in process or across instances over Redis Pub/Sub.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/pkg/circuitbreaker"
)

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")
)

// Observer is notified about every publish and handler run.
type Observer interface {
	ObservePublish(eventType string)
	ObserveHandler(eventType string, duration time.Duration, err error)
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// wildcard keys the handlers registered through SubscribeAll.
const wildcard shared.EventType = "*"

// InMemoryEventBus delivers events to handlers registered in this process.
// Handler errors and panics are logged and observed, never returned to the
// publisher.
type InMemoryEventBus struct {
	handlers *xsync.Map[shared.EventType, []shared.EventHandler]
	async    bool
	slots    chan struct{}
	observer Observer
	logger   *slog.Logger

	// lifecycle orders inflight.Add against Close.
	lifecycle sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode runs handlers on a bounded pool instead of the publisher's goroutine.
	AsyncMode bool

	WorkerPoolSize int
	Observer       Observer
	Logger         *slog.Logger
}

func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 10,
	}
}

func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultInMemoryEventBusConfig().WorkerPoolSize
	}

	return &InMemoryEventBus{
		handlers: xsync.NewMap[shared.EventType, []shared.EventHandler](),
		async:    config.AsyncMode,
		slots:    make(chan struct{}, config.WorkerPoolSize),
		observer: config.Observer,
		logger:   config.Logger.With("component", "event_bus"),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if err := b.register(eventType, handler); err != nil {
		return err
	}
	b.logger.Debug("subscribed handler", "event_type", eventType)
	return nil
}

// SubscribeOnce is Subscribe here: one process is already the whole cluster.
func (b *InMemoryEventBus) SubscribeOnce(eventType shared.EventType, handler shared.EventHandler) error {
	return b.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for every event type.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.register(wildcard, handler)
}

func (b *InMemoryEventBus) register(key shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	if b.closed {
		return ErrEventBusClosed
	}

	// Published snapshots keep their backing array; always append to a copy.
	b.handlers.Compute(key, func(old []shared.EventHandler, _ bool) ([]shared.EventHandler, xsync.ComputeOp) {
		return append(slices.Clip(old), handler), xsync.UpdateOp
	})
	return nil
}

func (b *InMemoryEventBus) targets(eventType shared.EventType) []shared.EventHandler {
	typed, _ := b.handlers.Load(eventType)
	all, _ := b.handlers.Load(wildcard)
	return slices.Concat(typed, all)
}

func (b *InMemoryEventBus) hasTargets(eventType shared.EventType) bool {
	return len(b.targets(eventType)) > 0
}

// Publish delivers event to the handlers of its type, then to the
// SubscribeAll handlers.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.lifecycle.RLock()
	if b.closed {
		b.lifecycle.RUnlock()
		return ErrEventBusClosed
	}
	targets := b.targets(event.EventType())
	if b.async {
		b.inflight.Add(len(targets))
	}
	b.lifecycle.RUnlock()

	if b.observer != nil {
		b.observer.ObservePublish(string(event.EventType()))
	}

	for _, handler := range targets {
		if b.async {
			go b.runPooled(event, handler)
			continue
		}
		if err := b.run(event, handler); err != nil {
			b.logger.Error("handler error", "event_type", event.EventType(), "aggregate_id", event.AggregateID(), "error", err)
		}
	}
	return nil
}

func (b *InMemoryEventBus) runPooled(event shared.Event, handler shared.EventHandler) {
	defer b.inflight.Done()

	b.slots <- struct{}{}
	defer func() { <-b.slots }()

	if err := b.run(event, handler); err != nil {
		b.logger.Error("async handler error", "event_type", event.EventType(), "aggregate_id", event.AggregateID(), "error", err)
	}
}

func (b *InMemoryEventBus) run(event shared.Event, handler shared.EventHandler) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("handler panic recovered", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
		if b.observer != nil {
			b.observer.ObserveHandler(string(event.EventType()), time.Since(start), err)
		}
	}()
	return handler(event)
}

// Close rejects further publishes and waits until every accepted event has
// been handled.
func (b *InMemoryEventBus) Close() error {
	b.lifecycle.Lock()
	if b.closed {
		b.lifecycle.Unlock()
		return nil
	}
	b.closed = true
	b.lifecycle.Unlock()

	b.inflight.Wait()
	b.logger.Info("event bus closed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// RedisClient is the Redis surface RedisEventBus needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error)

	// Claim sets key if it is absent and reports whether this call set it.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	Close() error
}

// RedisMessage represents a message received from Redis Pub/Sub.
type RedisMessage struct {
	Channel string
	Payload string
	Err     error
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	Client RedisClient

	// ChannelName defaults to "grades:events".
	ChannelName string

	// InstanceID filters out this instance's own publishes.
	InstanceID string

	// Breaker guards remote publishes and claims. Defaults to
	// circuitbreaker.EventBusBreaker.
	Breaker *circuitbreaker.CircuitBreaker

	// ClaimTTL bounds how long a SubscribeOnce claim is remembered.
	// Defaults to one hour.
	ClaimTTL time.Duration

	LocalBusConfig InMemoryEventBusConfig
	Logger         *slog.Logger
}

// RedisEventBus fans events out to every instance subscribed to the channel.
// Events published here are delivered locally right away and skipped when
// they come back from Redis.
//
// Handlers registered with SubscribeOnce run on a single instance per event:
// every instance receiving the event races for a claim key, and only the
// winner delivers it.
type RedisEventBus struct {
	client      RedisClient
	localBus    *InMemoryEventBus
	exclusive   *InMemoryEventBus
	claimTTL    time.Duration
	channelName string
	instanceID  string
	breaker     *circuitbreaker.CircuitBreaker
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      atomic.Bool
}

// NewRedisEventBus creates a Redis-backed bus and starts listening.
func NewRedisEventBus(config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.ChannelName == "" {
		config.ChannelName = "grades:events"
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LocalBusConfig.Logger == nil {
		config.LocalBusConfig.Logger = config.Logger
	}
	if config.Breaker == nil {
		config.Breaker = circuitbreaker.EventBusBreaker(nil)
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &RedisEventBus{
		client:      config.Client,
		localBus:    NewInMemoryEventBus(config.LocalBusConfig),
		exclusive:   NewInMemoryEventBus(config.LocalBusConfig),
		claimTTL:    config.ClaimTTL,
		channelName: config.ChannelName,
		instanceID:  config.InstanceID,
		breaker:     config.Breaker,
		logger:      config.Logger.With("component", "redis_event_bus", "channel", config.ChannelName),
		ctx:         ctx,
		cancel:      cancel,
	}

	messages, err := bus.client.Subscribe(ctx, bus.channelName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", bus.channelName, err)
	}

	bus.wg.Add(1)
	go func() {
		defer bus.wg.Done()
		bus.subscriptionLoop(messages)
	}()

	return bus, nil
}

// Subscribe registers a handler for a specific event type.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.localBus.Subscribe(eventType, handler)
}

// SubscribeOnce registers a handler that runs on one instance per event, no
// matter how many instances subscribe. Task producers and aggregates use it.
func (b *RedisEventBus) SubscribeOnce(eventType shared.EventType, handler shared.EventHandler) error {
	return b.exclusive.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all events.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.localBus.SubscribeAll(handler)
}

// Publish sends an event to Redis and to local handlers. A Redis failure
// is logged; local delivery still happens.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	if b.closed.Load() {
		return ErrEventBusClosed
	}

	data, err := json.Marshal(eventEnvelope{
		EventID:     uuid.NewString(),
		InstanceID:  b.instanceID,
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Payload:     event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = b.breaker.Execute(b.ctx, func(ctx context.Context) error {
		return b.client.Publish(ctx, b.channelName, string(data))
	})
	switch {
	case circuitbreaker.IsRejected(err):
		b.logger.Debug("redis fan-out suspended", "event_type", event.EventType())
	case err != nil:
		b.logger.Error("failed to publish to redis", "event_type", event.EventType(), "error", err)
	}
	if err != nil {
		// Nobody else saw the event, so this instance owns it.
		if xerr := b.exclusive.Publish(event); xerr != nil {
			return xerr
		}
	}

	return b.localBus.Publish(event)
}

func (b *RedisEventBus) subscriptionLoop(messages <-chan RedisMessage) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Err != nil {
				b.logger.Error("redis subscription error", "error", msg.Err)
				continue
			}
			b.handleRedisMessage(msg)
		}
	}
}

func (b *RedisEventBus) handleRedisMessage(msg RedisMessage) {
	var envelope eventEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		b.logger.Error("failed to unmarshal event", "error", err)
		return
	}

	event := &remoteEvent{
		eventType:   envelope.EventType,
		aggregateID: envelope.AggregateID,
		occurredAt:  envelope.OccurredAt,
		payload:     envelope.Payload,
	}
	own := envelope.InstanceID == b.instanceID

	if !own {
		if err := b.localBus.Publish(event); err != nil {
			b.logger.Error("failed to process remote event", "error", err)
		}
	}

	if !b.exclusive.hasTargets(envelope.EventType) {
		return
	}
	won, err := b.claim(envelope, msg.Payload)
	if err != nil {
		// Without a claim only the publisher may handle its own event.
		b.logger.Warn("event claim failed", "event_type", envelope.EventType, "own", own, "error", err)
		won = own
	}
	if !won {
		return
	}
	if err := b.exclusive.Publish(event); err != nil {
		b.logger.Error("failed to process claimed event", "error", err)
	}
}

// claim keys on the envelope's event id. Publishers outside this package may
// omit it; their raw message is hashed instead, so identical copies of one
// message share a key.
func (b *RedisEventBus) claim(envelope eventEnvelope, raw string) (bool, error) {
	id := envelope.EventID
	if id == "" {
		id = strconv.FormatUint(xxh3.HashString(raw), 16)
	}
	key := b.channelName + ":claim:" + id

	var won bool
	err := b.breaker.Execute(b.ctx, func(ctx context.Context) error {
		var err error
		won, err = b.client.Claim(ctx, key, b.claimTTL)
		return err
	})
	return won, err
}

// Close stops listening and closes the local bus. The Redis client is
// owned by the caller.
func (b *RedisEventBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.cancel()
	b.wg.Wait()

	if err := b.localBus.Close(); err != nil {
		b.logger.Error("failed to close local bus", "error", err)
	}
	if err := b.exclusive.Close(); err != nil {
		b.logger.Error("failed to close exclusive bus", "error", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

type eventEnvelope struct {
	EventID     string                 `json:"event_id,omitempty"`
	InstanceID  string                 `json:"instance_id"`
	EventType   shared.EventType       `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload"`
}

// remoteEvent is an event received from another instance. Handlers read
// its fields through shared.DecodePayload.
type remoteEvent struct {
	eventType   shared.EventType
	aggregateID string
	occurredAt  time.Time
	payload     map[string]interface{}
}

func (e *remoteEvent) EventType() shared.EventType      { return e.eventType }
func (e *remoteEvent) AggregateID() string              { return e.aggregateID }
func (e *remoteEvent) OccurredAt() time.Time            { return e.occurredAt }
func (e *remoteEvent) Payload() map[string]interface{} { return e.payload }
