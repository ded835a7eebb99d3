package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
	errprocess "dm_service/pkg/err"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventSink receive committed message events for downstream consumers
type EventSink interface {
	Emit(ctx context.Context, env domain.Envelope) error
	Close() error
}

// NopSink discard events
type NopSink struct{}

// Emit no-op
func (NopSink) Emit(context.Context, domain.Envelope) error { return nil }

// Close no-op
func (NopSink) Close() error { return nil }

// kafkaWriter the subset of *kafka.Writer the sink needs
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	kafkaQueueSize    = 1024
	kafkaMaxBatch     = 100
	kafkaWriteTimeout = 10 * time.Second
)

// ErrSinkFull the sink queue is full, the event was dropped
var ErrSinkFull = errors.New("event sink queue full")

// ErrSinkClosed Emit after Close
var ErrSinkClosed = errors.New("event sink closed")

// KafkaEventSink write events to kafka keyed by conversation id, so one
// conversation stays ordered within a partition. Emit only enqueues; a single
// writer goroutine batches the queue into the broker.
type KafkaEventSink struct {
	writer kafkaWriter
	queue  chan kafka.Message
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewKafkaEventSink create KafkaEventSink and start its writer
func NewKafkaEventSink(w kafkaWriter) *KafkaEventSink {
	return newKafkaEventSink(w, kafkaQueueSize)
}

func newKafkaEventSink(w kafkaWriter, size int) *KafkaEventSink {
	k := &KafkaEventSink{
		writer: w,
		queue:  make(chan kafka.Message, size),
		done:   make(chan struct{}),
	}
	go k.run()
	return k
}

// Emit encode env and queue it, never waits on the broker
func (k *KafkaEventSink) Emit(_ context.Context, env domain.Envelope) error {
	if env.Record == nil {
		return fmt.Errorf("kafka sink: envelope without record")
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(env.Record.ConversationID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(env.Type)},
		},
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrSinkClosed
	}
	select {
	case k.queue <- msg:
		return nil
	default:
		return ErrSinkFull
	}
}

func (k *KafkaEventSink) run() {
	defer close(k.done)
	for msg := range k.queue {
		batch := []kafka.Message{msg}
	drain:
		for len(batch) < kafkaMaxBatch {
			select {
			case m, ok := <-k.queue:
				if !ok {
					break drain
				}
				batch = append(batch, m)
			default:
				break drain
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
		err := k.writer.WriteMessages(ctx, batch...)
		cancel()
		if err != nil {
			errprocess.Log(nil, "kafka sink write", errprocess.New(errprocess.KindTransport, "KafkaEventSink", err), zap.Int("messages", len(batch)))
		}
	}
}

// Close write what is queued, then close the writer
func (k *KafkaEventSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	<-k.done
	return k.writer.Close()
}
