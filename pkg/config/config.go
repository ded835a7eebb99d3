package config

import "time"

// Chat definition chat_service YAML structure
type Chat struct {
	Port string `mapstructure:"port"`

	Store    StoreConfig    `mapstructure:"store"`
	Postgres DatabaseConfig `mapstructure:"pg"`
	MongoSQL DatabaseConfig `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
}

// StoreConfig choose message store backend: postgres | mongo | memory
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// ChangeFeed 開啟時 row-change 事件由 postgres LISTEN/NOTIFY 產生，service 不再自行 publish
	ChangeFeed bool `mapstructure:"change_feed"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	// Addr 有值時使用單機連線，否則走 sentinel (.env)
	Addr       string `mapstructure:"addr"`
	RedisDB    int    `mapstructure:"redis_db"`
	Transport  string `mapstructure:"transport"` // redis | memory
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	SSLMode       string `mapstructure:"sslmode"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// KafkaConfig definition kafka event sink, empty Brokers disables it
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	RetryInterval int      `mapstructure:"retry_interval"`
	RetryCount    int      `mapstructure:"retry_count"`
}

// MinIOConfig definition media bucket, empty Endpoint disables media upload
type MinIOConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	BucketName    string        `mapstructure:"bucket"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	URLExpiry     time.Duration `mapstructure:"url_expiry"`
	RetryInterval int           `mapstructure:"retry_interval"`
	RetryCount    int           `mapstructure:"retry_count"`
}

// RealtimeConfig definition push/poll tuning
type RealtimeConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PageSize           int           `mapstructure:"page_size"`
	PresenceTTL        time.Duration `mapstructure:"presence_ttl"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	TypingPerSecond    float64       `mapstructure:"typing_per_second"`
	ResubscribeBackoff time.Duration `mapstructure:"resubscribe_backoff"`
	EventBuffer        int           `mapstructure:"event_buffer"`
}

// WithDefaults fill zero values with the service defaults
func (r RealtimeConfig) WithDefaults() RealtimeConfig {
	if r.PollInterval <= 0 {
		r.PollInterval = 5 * time.Second
	}
	if r.PageSize <= 0 {
		r.PageSize = 30
	}
	if r.PresenceTTL <= 0 {
		r.PresenceTTL = 60 * time.Second
	}
	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = 20 * time.Second
	}
	if r.TypingPerSecond <= 0 {
		r.TypingPerSecond = 1
	}
	if r.ResubscribeBackoff <= 0 {
		r.ResubscribeBackoff = 500 * time.Millisecond
	}
	if r.EventBuffer <= 0 {
		r.EventBuffer = 64
	}
	return r
}
