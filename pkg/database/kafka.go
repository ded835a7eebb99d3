package database

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// NewKafkaWriterWithRetry 建立 Kafka Writer，先 dial broker 確認連線
func NewKafkaWriterWithRetry(k KafkaConnection) (*kafka.Writer, error) {
	if len(k.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	err := k.Retry.Do("kafka "+k.Brokers[0], func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := kafka.DialContext(ctx, "tcp", k.Brokers[0])
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return nil, err
	}
	return newKafkaWriter(k), nil
}

// KafkaBatchTimeout flush delay of a partial batch; kafka-go defaults to 1s
const KafkaBatchTimeout = 10 * time.Millisecond

func newKafkaWriter(k KafkaConnection) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.Brokers...),
		Topic:                  k.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           KafkaBatchTimeout,
		AllowAutoTopicCreation: true,
	}
}
