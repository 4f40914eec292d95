package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/malbeclabs/affiliate/engine/pkg/metrics"
)

const defaultQueueSize = 1024

// Sink is a named notifier fed by a Bus.
type Sink struct {
	Name     string
	Notifier Notifier
}

type BusConfig struct {
	Logger    *slog.Logger
	Sinks     []Sink
	QueueSize int
}

func (cfg *BusConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	for _, s := range cfg.Sinks {
		if s.Name == "" {
			return errors.New("sink name is required")
		}
		if s.Notifier == nil {
			return errors.New("sink notifier is required")
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return nil
}

// Bus fans events out to sinks. Each sink has its own bounded queue and
// receives events in publish order; when a queue is full the event is dropped
// for that sink only.
type Bus struct {
	log *slog.Logger
	cfg BusConfig

	mu      sync.RWMutex
	closed  bool
	started bool
	queues  []chan func(context.Context)
	wg      sync.WaitGroup
}

func NewBus(cfg BusConfig) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bus{
		log:    cfg.Logger,
		cfg:    cfg,
		queues: make([]chan func(context.Context), len(cfg.Sinks)),
	}
	for i := range cfg.Sinks {
		b.queues[i] = make(chan func(context.Context), cfg.QueueSize)
	}
	return b, nil
}

// Start launches one delivery goroutine per sink. Deliveries run under ctx
// values but are not cancelled with it; Close drains what is queued.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true

	deliveryCtx := context.WithoutCancel(ctx)
	for i, sink := range b.cfg.Sinks {
		queue := b.queues[i]
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for deliver := range queue {
				b.safeDeliver(deliveryCtx, sink.Name, deliver)
			}
		}()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	started := b.started
	b.mu.Unlock()

	if started {
		b.wg.Wait()
	}
}

func (b *Bus) safeDeliver(ctx context.Context, sink string, deliver func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("notify: sink panicked", "sink", sink, "panic", r)
		}
	}()
	deliver(ctx)
}

func (b *Bus) publish(deliver func(n Notifier) func(context.Context)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for i, sink := range b.cfg.Sinks {
		select {
		case b.queues[i] <- deliver(sink.Notifier):
		default:
			metrics.NotificationsDroppedTotal.WithLabelValues(sink.Name).Inc()
			b.log.Warn("notify: queue full, dropping event", "sink", sink.Name)
		}
	}
}

func (b *Bus) FeeAccrued(_ context.Context, e FeeAccrued) {
	b.publish(func(n Notifier) func(context.Context) {
		return func(ctx context.Context) { n.FeeAccrued(ctx, e) }
	})
}

func (b *Bus) SettlementFinished(_ context.Context, e SettlementFinished) {
	b.publish(func(n Notifier) func(context.Context) {
		return func(ctx context.Context) { n.SettlementFinished(ctx, e) }
	})
}

func (b *Bus) PayoutSettled(_ context.Context, e PayoutSettled) {
	b.publish(func(n Notifier) func(context.Context) {
		return func(ctx context.Context) { n.PayoutSettled(ctx, e) }
	})
}
