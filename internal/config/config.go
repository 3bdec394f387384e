package config

import "time"

// Config is the root configuration for a streamer instance.
type Config struct {
	Session     SessionConfig     `yaml:"session"`
	Credentials CredentialsConfig `yaml:"credentials"`
	TokenCache  TokenCacheConfig  `yaml:"token_cache"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Admin       AdminConfig       `yaml:"admin"`
	Log         LogConfig         `yaml:"log"`
}

// SessionConfig identifies the gateway session.
type SessionConfig struct {
	ClientID  string `yaml:"client_id"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`   // Gateway host, e.g. xxxx-ats.iot.us-east-1.amazonaws.com
	Topics    string `yaml:"topics"`     // Comma-separated
	QueueSize int    `yaml:"queue_size"` // Ring capacity
}

// CredentialsConfig holds signing keys. With STS enabled these are the
// long-lived keys exchanged for a session token.
type CredentialsConfig struct {
	AccessKeyID     string    `yaml:"access_key_id"`
	SecretAccessKey string    `yaml:"secret_access_key"`
	SessionToken    string    `yaml:"session_token"`
	STS             STSConfig `yaml:"sts"`
}

// STSConfig holds STS GetSessionToken settings.
type STSConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Region   string        `yaml:"region"`
	Duration time.Duration `yaml:"duration"`
	Endpoint string        `yaml:"endpoint"`
}

// TokenCacheConfig holds temporary credential cache settings.
type TokenCacheConfig struct {
	Backend string        `yaml:"backend"` // memory, file, redis
	Key     string        `yaml:"key"`
	TTL     time.Duration `yaml:"ttl"`
	Path    string        `yaml:"path"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig holds a Redis connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ConnectionConfig holds broker connection settings.
type ConnectionConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	URLExpires       time.Duration `yaml:"url_expires"`
	Encoding         string        `yaml:"encoding"` // json, cbor
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	EventBufferSize  int           `yaml:"event_buffer_size"`
}

// ArchiveConfig holds the optional Postgres message archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Port        int    `yaml:"port"`
	MetricsPath string `yaml:"metrics_path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
