package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
port: "9000"
store:
  driver: ${TEST_CHAT_DRIVER}
  change_feed: true
redis:
  addr: localhost:6379
  key_prefix: "t:"
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: events
minio:
  url_expiry: 10m
realtime:
  poll_interval: 2s
  page_size: 50
`

// 測試 ReadConfig 展開環境變數並解析 duration
func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat_test.yaml"), []byte(testYAML), 0o600))
	t.Setenv("TEST_CHAT_DRIVER", "postgres")

	cfg, err := ReadConfig[Chat]("chat_test", dir)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.True(t, cfg.Store.ChangeFeed)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "t:", cfg.Redis.KeyPrefix)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Minute, cfg.MinIO.URLExpiry)
	assert.Equal(t, 2*time.Second, cfg.Realtime.PollInterval)
	assert.Equal(t, 50, cfg.Realtime.PageSize)
}

func TestReadConfig_Missing(t *testing.T) {
	_, err := ReadConfig[Chat]("nope", t.TempDir())
	assert.Error(t, err)
}

// 測試 WithDefaults 只補零值
func TestRealtimeConfig_WithDefaults(t *testing.T) {
	rt := RealtimeConfig{PageSize: 10}.WithDefaults()
	assert.Equal(t, 10, rt.PageSize)
	assert.Equal(t, 5*time.Second, rt.PollInterval)
	assert.Equal(t, 60*time.Second, rt.PresenceTTL)
	assert.Equal(t, 20*time.Second, rt.HeartbeatInterval)
	assert.Equal(t, float64(1), rt.TypingPerSecond)
	assert.Equal(t, 500*time.Millisecond, rt.ResubscribeBackoff)
	assert.Equal(t, 64, rt.EventBuffer)
}

func TestGetPath(t *testing.T) {
	_, err := GetPath("definitely-not-here.txt", 2)
	assert.Error(t, err)
}
