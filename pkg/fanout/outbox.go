package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mahaj/chatcore/pkg/metrics"
)

// Publisher writes a batch of records in order. It may block on the network
// and must not keep recs after returning.
type Publisher interface {
	Publish(ctx context.Context, recs []Record) error
}

type OutboxConfig struct {
	// Size bounds the queue. A full queue drops frames.
	Size     int
	MaxBatch int
	// Timeout bounds one Publish call.
	Timeout time.Duration
}

// Outbox is an Emitter whose Emit only enqueues. A single goroutine hands
// batches to the Publisher in enqueue order, so frames emitted in order
// under a caller's lock are published in that order without the caller
// waiting on the network.
type Outbox struct {
	pub     Publisher
	cfg     OutboxConfig
	queue   chan Record
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewOutbox(pub Publisher, cfg OutboxConfig, m *metrics.Metrics, log *slog.Logger) *Outbox {
	if cfg.Size <= 0 {
		cfg.Size = 4096
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Outbox{
		pub:     pub,
		cfg:     cfg,
		queue:   make(chan Record, cfg.Size),
		done:    make(chan struct{}),
		metrics: m,
		log:     log.With("component", "outbox"),
	}
	go o.run()
	return o
}

func (o *Outbox) Emit(_ context.Context, roomKey string, frame []byte, excludeID string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.metrics.FanoutFailed()
		return
	}
	select {
	case o.queue <- Record{Room: roomKey, Exclude: excludeID, Frame: frame}:
	default:
		o.metrics.FanoutFailed()
		o.log.Warn("fanout queue full, dropping frame", "room", roomKey)
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	batch := make([]Record, 0, o.cfg.MaxBatch)
	for rec := range o.queue {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < o.cfg.MaxBatch {
			select {
			case r, ok := <-o.queue:
				if !ok {
					break fill
				}
				batch = append(batch, r)
			default:
				break fill
			}
		}
		o.publish(batch)
	}
}

func (o *Outbox) publish(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
	defer cancel()
	if err := o.pub.Publish(ctx, batch); err != nil {
		for range batch {
			o.metrics.FanoutFailed()
		}
		o.log.Warn("publish to fanout bus failed", "records", len(batch), "room", batch[0].Room, "error", err)
	}
}

// Close stops accepting frames and returns once the queued ones have been
// handed to the Publisher.
func (o *Outbox) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	<-o.done
}
