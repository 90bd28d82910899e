// Package outbox drains the transactional event table and drives typed topic
// handlers. Delivery is at-least-once and order-insensitive; handlers must be
// idempotent on replay.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"proofwork/models"
	"proofwork/observability"
	"proofwork/storage"
)

// Defaults for the dispatcher loop.
const (
	DefaultMaxAttempts  = 10
	DefaultLockTTL      = 600 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBatchSize    = 32
	DefaultConcurrency  = 4
)

// Handler processes one claimed event. A nil return marks the event sent; a
// non-nil return reschedules it with exponential backoff until the attempt
// budget is exhausted, after which the event is deadlettered.
type Handler func(ctx context.Context, event models.OutboxEvent) error

// Dispatcher polls the outbox and fans claimed events out to a bounded pool
// of goroutines. Cross-process coordination happens entirely through the
// store's row locks; running multiple dispatchers is safe.
type Dispatcher struct {
	store    *storage.Store
	workerID string
	log      *slog.Logger
	metrics  *observability.OutboxMetrics

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lockTTL      time.Duration
	maxAttempts  int
	now          func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
}

// Option customises the dispatcher instance.
type Option func(*Dispatcher)

// WithPollInterval configures the idle polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithBatchSize bounds the number of events claimed per cycle.
func WithBatchSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithConcurrency bounds the handler goroutine pool.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithLockTTL configures how long a processing lock survives a crashed worker.
func WithLockTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.lockTTL = ttl
		}
	}
}

// WithMaxAttempts configures the deadletter threshold.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher constructs a dispatcher identified by workerID.
func NewDispatcher(store *storage.Store, workerID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		workerID:     workerID,
		log:          slog.Default(),
		metrics:      observability.Outbox(),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		concurrency:  DefaultConcurrency,
		lockTTL:      DefaultLockTTL,
		maxAttempts:  DefaultMaxAttempts,
		now:          time.Now,
		handlers:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to a topic. Registering twice for the same topic
// is a programmer error.
func (d *Dispatcher) Register(topic string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[topic]; exists {
		panic(fmt.Sprintf("outbox: handler already registered for %s", topic))
	}
	d.handlers[topic] = handler
}

// Topics returns the sorted topic set with registered handlers.
func (d *Dispatcher) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	topics := make([]string, 0, len(d.handlers))
	for topic := range d.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		processed, err := d.ProcessOnce(ctx)
		if err != nil {
			d.log.Error("outbox claim failed", "error", err.Error())
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.pollInterval):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ProcessOnce claims and handles a single batch, returning the number of
// events claimed. Used by Run and directly by tests.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	topics := d.Topics()
	if len(topics) == 0 {
		return 0, nil
	}
	events, err := d.store.ClaimOutbox(ctx, topics, d.workerID, d.batchSize, d.lockTTL)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	feed := make(chan models.OutboxEvent)
	var wg sync.WaitGroup
	workers := d.concurrency
	if workers > len(events) {
		workers = len(events)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range feed {
				d.handle(ctx, event)
			}
		}()
	}
	for _, event := range events {
		feed <- event
	}
	close(feed)
	wg.Wait()
	return len(events), nil
}

func (d *Dispatcher) handle(ctx context.Context, event models.OutboxEvent) {
	d.mu.Lock()
	handler := d.handlers[event.Topic]
	d.mu.Unlock()
	if handler == nil {
		// Claimed by topic set, so this only happens on registry mutation.
		_ = d.store.RescheduleOutbox(ctx, event.ID, "no handler registered", d.pollInterval)
		return
	}

	start := d.now()
	err := d.invoke(ctx, handler, event)
	d.metrics.Observe(event.Topic, d.now().Sub(start), err)
	dispatchCounter().Add(ctx, 1, metric.WithAttributes(attribute.String("topic", event.Topic)))

	if err == nil {
		if markErr := d.store.MarkOutboxSent(ctx, event.ID); markErr != nil {
			d.log.Error("mark sent failed", "topic", event.Topic, "error", markErr.Error())
		}
		return
	}

	if event.Attempts >= d.maxAttempts {
		d.metrics.RecordDeadletter(event.Topic)
		d.log.Error("outbox event deadlettered", "topic", event.Topic, "attempts", event.Attempts, "error", err.Error())
		if deadErr := d.store.MarkOutboxDead(ctx, event.ID, err.Error()); deadErr != nil {
			d.log.Error("mark dead failed", "topic", event.Topic, "error", deadErr.Error())
		}
		return
	}

	delay := Backoff(event.Attempts)
	d.metrics.RecordRetry(event.Topic)
	d.log.Warn("outbox event rescheduled", "topic", event.Topic, "attempts", event.Attempts, "delay", delay.String(), "error", err.Error())
	if reschedErr := d.store.RescheduleOutbox(ctx, event.ID, err.Error(), delay); reschedErr != nil {
		d.log.Error("reschedule failed", "topic", event.Topic, "error", reschedErr.Error())
	}
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, event models.OutboxEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(ctx, event)
}

// Backoff returns the retry delay after the given attempt count:
// min(60, 2^min(10, attempts-1)) seconds.
func Backoff(attempts int) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 10 {
		exp = 10
	}
	delay := 1 << uint(exp)
	if delay > 60 {
		delay = 60
	}
	return time.Duration(delay) * time.Second
}

var (
	dispatchOnce   sync.Once
	sharedDispatch metric.Int64Counter
)

func dispatchCounter() metric.Int64Counter {
	dispatchOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("proofwork/outbox")
		counter, err := meter.Int64Counter("proofwork.outbox.dispatched")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("proofwork/outbox")
			counter, _ = fallback.Int64Counter("proofwork.outbox.dispatched")
		}
		sharedDispatch = counter
	})
	return sharedDispatch
}
