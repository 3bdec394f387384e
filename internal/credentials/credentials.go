package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/rickgao/iot-stream/internal/auth"
	"github.com/rickgao/iot-stream/internal/tokencache"
)

// DefaultSessionDuration is the STS session length requested.
const DefaultSessionDuration = time.Hour

// Errors
var (
	ErrNoCredentials = errors.New("no credentials configured")
	ErrEmptyResponse = errors.New("sts returned no credentials")
)

// Source supplies credentials on demand.
type Source interface {
	Retrieve(ctx context.Context) (auth.Credentials, error)
}

// StaticSource returns fixed credentials.
type StaticSource struct {
	creds auth.Credentials
}

// NewStaticSource creates a source that always returns creds.
func NewStaticSource(creds auth.Credentials) *StaticSource {
	return &StaticSource{creds: creds}
}

func (s *StaticSource) Retrieve(context.Context) (auth.Credentials, error) {
	if s.creds.AccessKeyID == "" || s.creds.SecretAccessKey == "" {
		return auth.Credentials{}, ErrNoCredentials
	}
	return s.creds, nil
}

// STSConfig configures the STS source.
type STSConfig struct {
	Region string

	// Long-lived keys exchanged for a session token. When empty the SDK
	// default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	Duration time.Duration
	Endpoint string // optional, e.g. a local emulator
}

// stsAPI is the subset of the STS client used here.
type stsAPI interface {
	GetSessionToken(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error)
}

// STSSource fetches temporary credentials with GetSessionToken.
type STSSource struct {
	client   stsAPI
	duration time.Duration
	logger   *slog.Logger
}

// NewSTSSource loads the AWS configuration and creates an STS client.
func NewSTSSource(ctx context.Context, cfg STSConfig, logger *slog.Logger) (*STSSource, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newSTSSource(client, cfg.Duration, logger), nil
}

func newSTSSource(client stsAPI, duration time.Duration, logger *slog.Logger) *STSSource {
	if logger == nil {
		logger = slog.Default()
	}
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	return &STSSource{
		client:   client,
		duration: duration,
		logger:   logger.With("component", "sts"),
	}
}

func (s *STSSource) Retrieve(ctx context.Context) (auth.Credentials, error) {
	out, err := s.client.GetSessionToken(ctx, &sts.GetSessionTokenInput{
		DurationSeconds: aws.Int32(int32(s.duration / time.Second)),
	})
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("get session token: %w", err)
	}
	if out == nil || out.Credentials == nil {
		return auth.Credentials{}, ErrEmptyResponse
	}

	c := out.Credentials
	creds := auth.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expires:         aws.ToTime(c.Expiration),
	}

	s.logger.Info("obtained session token",
		"access_key_id", creds.AccessKeyID,
		"expires", creds.Expires,
	)
	return creds, nil
}

// CacheOptions configures CachedSource.
type CacheOptions struct {
	Key      string
	Lifetime time.Duration
}

// CachedSource serves credentials from a token cache while they are
// valid and refills it from the next source otherwise.
type CachedSource struct {
	store    tokencache.Store
	next     Source
	key      string
	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewCachedSource wraps next with store.
func NewCachedSource(store tokencache.Store, next Source, opts CacheOptions, logger *slog.Logger) *CachedSource {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Key == "" {
		opts.Key = tokencache.DefaultKey
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = tokencache.DefaultLifetime
	}
	return &CachedSource{
		store:    store,
		next:     next,
		key:      opts.Key,
		lifetime: opts.Lifetime,
		now:      time.Now,
		logger:   logger.With("component", "token_cache"),
	}
}

// Retrieve returns cached credentials when valid. Cache read and write
// failures are logged and do not fail the call.
func (c *CachedSource) Retrieve(ctx context.Context) (auth.Credentials, error) {
	now := c.now()

	if creds, ok := c.cached(ctx, now); ok {
		c.logger.Debug("using cached credentials", "key", c.key)
		return creds, nil
	}

	creds, err := c.next.Retrieve(ctx)
	if err != nil {
		return auth.Credentials{}, err
	}

	entry, err := tokencache.NewEntry(creds, now, c.lifetime)
	if err != nil {
		c.logger.Warn("encode credentials for cache", "error", err)
		return creds, nil
	}
	// Never trust the cache past the credentials' own expiry.
	if !creds.Expires.IsZero() && creds.Expires.UnixMilli() < entry.ExpirationTime {
		entry.ExpirationTime = creds.Expires.UnixMilli()
	}

	if err := c.store.Set(ctx, c.key, entry); err != nil {
		c.logger.Warn("token cache write failed", "key", c.key, "error", err)
	} else {
		c.logger.Debug("credentials cached", "key", c.key, "expires_at", entry.ExpiresAt())
	}
	return creds, nil
}

// Invalidate drops the cached entry so the next Retrieve goes to the source.
func (c *CachedSource) Invalidate(ctx context.Context) error {
	if err := c.store.Clear(ctx, c.key); err != nil {
		return fmt.Errorf("clear token cache: %w", err)
	}
	return nil
}

func (c *CachedSource) cached(ctx context.Context, now time.Time) (auth.Credentials, bool) {
	entry, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		c.logger.Warn("token cache read failed", "key", c.key, "error", err)
		return auth.Credentials{}, false
	}
	if !ok || !entry.Valid(now) {
		return auth.Credentials{}, false
	}

	var creds auth.Credentials
	if err := entry.Decode(&creds); err != nil || creds.AccessKeyID == "" {
		c.logger.Warn("ignoring unusable cached credentials", "key", c.key, "error", err)
		return auth.Credentials{}, false
	}
	return creds, true
}
