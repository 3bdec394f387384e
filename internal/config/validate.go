package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Session.Region == "" {
		return errors.New("session.region is required")
	}
	if c.Session.Endpoint == "" {
		return errors.New("session.endpoint is required")
	}
	if c.Session.QueueSize < 1 {
		return errors.New("session.queue_size must be >= 1")
	}

	if !c.Credentials.STS.Enabled {
		if c.Credentials.AccessKeyID == "" || c.Credentials.SecretAccessKey == "" {
			return errors.New("credentials.access_key_id and credentials.secret_access_key are required unless credentials.sts.enabled")
		}
	}

	switch c.TokenCache.Backend {
	case "memory", "file":
	case "redis":
		if c.TokenCache.Redis.Addr == "" {
			return errors.New("token_cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("token_cache.backend must be memory, file or redis, got %q", c.TokenCache.Backend)
	}

	switch c.Connection.Encoding {
	case "json", "cbor":
	default:
		return fmt.Errorf("connection.encoding must be json or cbor, got %q", c.Connection.Encoding)
	}
	if c.Connection.URLExpires < time.Second {
		return errors.New("connection.url_expires must be at least 1s")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be between 1 and 65535, got %d", c.Admin.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
