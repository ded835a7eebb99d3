package database

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestNewKafkaWriter(t *testing.T) {
	w := newKafkaWriter(KafkaConnection{Brokers: []string{"k1:9092", "k2:9092"}, Topic: "dm.events"})

	assert.Equal(t, "dm.events", w.Topic)
	assert.Equal(t, KafkaBatchTimeout, w.BatchTimeout)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, "k1:9092,k2:9092", w.Addr.String())
}

func TestNewKafkaWriterWithRetry_NoBrokers(t *testing.T) {
	_, err := NewKafkaWriterWithRetry(KafkaConnection{})
	assert.Error(t, err)
}
