package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultClientIDPrefix   = "iot-stream-"
	DefaultQueueSize        = 100
	DefaultSTSDuration      = time.Hour
	DefaultTokenBackend     = "memory"
	DefaultTokenKey         = "stsAuthToken"
	DefaultTokenTTL         = 3500 * time.Second
	DefaultTokenFile        = "token.json"
	DefaultConnectTimeout   = 30 * time.Second
	DefaultKeepAlive        = 30 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultPublishTimeout   = 10 * time.Second
	DefaultURLExpires       = 86400 * time.Second
	DefaultEncoding         = "json"
	DefaultRefreshInterval  = 15 * time.Second
	DefaultEventBufferSize  = 1024
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultBatchSize        = 500
	DefaultFlushInterval    = 1 * time.Second
	DefaultBufferSize       = 10000
	DefaultAdminPort        = 8080
	DefaultMetricsPath      = "/metrics"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	// Session defaults
	if c.Session.ClientID == "" {
		c.Session.ClientID = DefaultClientIDPrefix + uuid.NewString()[:8]
	}
	if c.Session.QueueSize == 0 {
		c.Session.QueueSize = DefaultQueueSize
	}

	// Credentials defaults
	if c.Credentials.STS.Region == "" {
		c.Credentials.STS.Region = c.Session.Region
	}
	if c.Credentials.STS.Duration == 0 {
		c.Credentials.STS.Duration = DefaultSTSDuration
	}

	// Token cache defaults
	if c.TokenCache.Backend == "" {
		c.TokenCache.Backend = DefaultTokenBackend
	}
	if c.TokenCache.Key == "" {
		c.TokenCache.Key = DefaultTokenKey
	}
	if c.TokenCache.TTL == 0 {
		c.TokenCache.TTL = DefaultTokenTTL
	}
	if c.TokenCache.Path == "" && c.TokenCache.Backend == "file" {
		c.TokenCache.Path = defaultTokenPath()
	}

	// Connection defaults
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.KeepAlive == 0 {
		c.Connection.KeepAlive = DefaultKeepAlive
	}
	if c.Connection.SubscribeTimeout == 0 {
		c.Connection.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Connection.PublishTimeout == 0 {
		c.Connection.PublishTimeout = DefaultPublishTimeout
	}
	if c.Connection.URLExpires == 0 {
		c.Connection.URLExpires = DefaultURLExpires
	}
	if c.Connection.Encoding == "" {
		c.Connection.Encoding = DefaultEncoding
	}
	if c.Connection.RefreshInterval == 0 {
		c.Connection.RefreshInterval = DefaultRefreshInterval
	}
	if c.Connection.EventBufferSize == 0 {
		c.Connection.EventBufferSize = DefaultEventBufferSize
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultBufferSize
	}

	// Admin defaults
	if c.Admin.Port == 0 {
		c.Admin.Port = DefaultAdminPort
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// defaultTokenPath is <user cache dir>/iot-stream/token.json.
func defaultTokenPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return DefaultTokenFile
	}
	return filepath.Join(dir, "iot-stream", DefaultTokenFile)
}
