package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the cross-gateway bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupPrefix is suffixed with a per-instance id; every gateway reads
	// every record.
	GroupPrefix string
	// PublishOnly skips the consumer, for processes without connections.
	PublishOnly bool
}

// Kafka publishes frames to a topic keyed by room, so one room always maps
// to one partition and keeps its order, and consumes the topic to deliver
// into the local membership.
type Kafka struct {
	writer *kafka.Writer
	reader *kafka.Reader
	out    *Outbox
	local  *Local
	log    *slog.Logger
}

func NewKafka(cfg KafkaConfig, local *Local, m *metrics.Metrics, log *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("fanout: no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("fanout: kafka topic is empty")
	}
	producer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	if log == nil {
		log = slog.Default()
	}
	k := &Kafka{
		writer: producer,
		local:  local,
		log:    log.With("component", "fanout"),
	}
	k.out = NewOutbox(k, OutboxConfig{}, m, log)
	if cfg.PublishOnly {
		return k, nil
	}
	if local == nil {
		k.out.Close()
		return nil, errors.New("fanout: consumer needs a local membership")
	}

	host, _ := os.Hostname()
	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     fmt.Sprintf("%s-%s-%d", cfg.GroupPrefix, host, time.Now().UnixNano()),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     50 * time.Millisecond,
	})
	return k, nil
}

// Emit queues the frame. Publishing happens on the outbox goroutine, so a
// slow broker never holds up the caller.
func (k *Kafka) Emit(ctx context.Context, roomKey string, frame []byte, excludeID string) {
	k.out.Emit(ctx, roomKey, frame, excludeID)
}

// Publish writes one batch, keyed by room. Records of one room keep their
// order within and across batches.
func (k *Kafka) Publish(ctx context.Context, recs []Record) error {
	msgs := make([]kafka.Message, 0, len(recs))
	now := time.Now()
	for _, r := range recs {
		value, err := EncodeRecord(r.Room, r.Frame, r.Exclude)
		if err != nil {
			k.log.Error("encode fanout record", "room", r.Room, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.Room), Value: value, Time: now})
	}
	if len(msgs) == 0 {
		return nil
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

// Run consumes the topic until ctx is done. A single goroutine delivers,
// which preserves partition order.
func (k *Kafka) Run(ctx context.Context) error {
	if k.reader == nil {
		return errors.New("fanout: publish-only bus has no consumer")
	}
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.Error("gateway consumer error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		rec, err := DecodeRecord(m.Value)
		if err != nil {
			k.log.Warn("drop malformed fanout record", "offset", m.Offset, "error", err)
			continue
		}
		k.local.Emit(ctx, rec.Room, rec.Frame, rec.Exclude)
	}
}

func (k *Kafka) Close() error {
	k.out.Close()
	err := k.writer.Close()
	if k.reader != nil {
		err = errors.Join(err, k.reader.Close())
	}
	return err
}
