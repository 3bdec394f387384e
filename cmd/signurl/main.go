// Command signurl prints a presigned MQTT-over-WebSocket gateway URL.
//
// Credentials come from flags, the standard AWS_* environment variables,
// or a streamer config file (including STS when enabled there).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/rickgao/iot-stream/internal/auth"
	"github.com/rickgao/iot-stream/internal/config"
	"github.com/rickgao/iot-stream/internal/credentials"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	region     string
	endpoint   string
	accessKey  string
	secretKey  string
	token      string
	expires    time.Duration
	verbose    bool
}

func run(args []string) error {
	var o options
	flagSet := pflag.NewFlagSet("signurl", pflag.ContinueOnError)
	flagSet.StringVarP(&o.configPath, "config", "c", "", "streamer config file to read region, endpoint and credentials from")
	flagSet.StringVar(&o.region, "region", os.Getenv("AWS_REGION"), "AWS region")
	flagSet.StringVar(&o.endpoint, "endpoint", "", "gateway host, e.g. xxxx-ats.iot.us-east-1.amazonaws.com")
	flagSet.StringVar(&o.accessKey, "access-key-id", os.Getenv("AWS_ACCESS_KEY_ID"), "access key id")
	flagSet.StringVar(&o.secretKey, "secret-access-key", os.Getenv("AWS_SECRET_ACCESS_KEY"), "secret access key")
	flagSet.StringVar(&o.token, "session-token", os.Getenv("AWS_SESSION_TOKEN"), "session token for temporary credentials")
	flagSet.DurationVar(&o.expires, "expires", auth.DefaultExpires, "URL validity (X-Amz-Expires)")
	flagSet.BoolVarP(&o.verbose, "verbose", "v", false, "also print the canonical request and string to sign")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	creds, target, err := resolve(ctx, o)
	if err != nil {
		return err
	}

	signer := auth.NewSigner()
	signer.Expires = o.expires
	req, err := signer.Presign(creds, target)
	if err != nil {
		return fmt.Errorf("sign gateway url: %w", err)
	}

	if o.verbose {
		fmt.Fprintf(os.Stderr, "canonical request:\n%s\n\nstring to sign:\n%s\n\n", req.CanonicalRequest, req.StringToSign)
	}
	fmt.Println(req.URL)
	return nil
}

// resolve merges the config file (if any) with flags. Flags win.
func resolve(ctx context.Context, o options) (auth.Credentials, auth.Target, error) {
	creds := auth.Credentials{
		AccessKeyID:     o.accessKey,
		SecretAccessKey: o.secretKey,
		SessionToken:    o.token,
	}
	target := auth.Target{Host: o.endpoint, Region: o.region}

	if o.configPath == "" {
		return creds, target, nil
	}

	cfg, err := config.LoadWithDefaults(o.configPath)
	if err != nil {
		return creds, target, err
	}
	if target.Host == "" {
		target.Host = cfg.Session.Endpoint
	}
	if target.Region == "" {
		target.Region = cfg.Session.Region
	}

	var src credentials.Source = credentials.NewStaticSource(auth.Credentials{
		AccessKeyID:     cfg.Credentials.AccessKeyID,
		SecretAccessKey: cfg.Credentials.SecretAccessKey,
		SessionToken:    cfg.Credentials.SessionToken,
	})
	if cfg.Credentials.STS.Enabled {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		src, err = credentials.NewSTSSource(ctx, credentials.STSConfig{
			Region:          cfg.Credentials.STS.Region,
			AccessKeyID:     cfg.Credentials.AccessKeyID,
			SecretAccessKey: cfg.Credentials.SecretAccessKey,
			Duration:        cfg.Credentials.STS.Duration,
			Endpoint:        cfg.Credentials.STS.Endpoint,
		}, logger)
		if err != nil {
			return creds, target, fmt.Errorf("create sts source: %w", err)
		}
	}

	fromConfig, err := src.Retrieve(ctx)
	if err != nil {
		return creds, target, fmt.Errorf("retrieve credentials: %w", err)
	}
	if creds.AccessKeyID == "" {
		creds = fromConfig
	}
	return creds, target, nil
}
