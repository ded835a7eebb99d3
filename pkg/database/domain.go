package database

import (
	"fmt"
	"time"

	"dm_service/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retry connect policy of a backing service. Count is the number of retries after
// the first attempt.
type Retry struct {
	Count    int
	Interval time.Duration
}

// Do call connect until it succeeds or the retries run out
func (r Retry) Do(target string, connect func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := connect()
		if err != nil {
			logger.Log.Warn("connect failed", zap.String("target", target), zap.Int("attempt", attempt), zap.Int("retries", r.Count), zap.Error(err))
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Interval), uint64(max(r.Count, 0))))
	if err != nil {
		return fmt.Errorf("%s unavailable after %d attempts: %w", target, attempt, err)
	}
	return nil
}

// Connection message store dsn or uri
type Connection struct {
	ConnectStr string
	Retry
}

// MinIOConnection media bucket
type MinIOConnection struct {
	Endpoint   string
	User       string
	Password   string
	BucketName string
	UseSSL     bool
	Retry
}

// KafkaConnection event sink brokers
type KafkaConnection struct {
	Brokers []string
	Topic   string
	Retry
}
