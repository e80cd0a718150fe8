package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"

	"github.com/hsdfat/go-klog/auth"
	"github.com/hsdfat/go-klog/compress"
	"github.com/hsdfat/go-klog/record"
	"github.com/hsdfat/go-klog/transport"
)

// Config holds the construction parameters of a Client.
type Config struct {
	// Endpoint of the region hosting the log project, http or https.
	Endpoint string `env:"KLOG_ENDPOINT"`

	// Access key pair. Ignored when WithCredential is used.
	AccessKey string `env:"KLOG_ACCESS_KEY"`
	SecretKey string `env:"KLOG_SECRET_KEY"`

	// QueueSize is the number of pending logs held in memory.
	QueueSize int `env:"KLOG_QUEUE_SIZE,default=2000"`
	// DropWhenQueueFull makes Push drop the log instead of blocking.
	DropWhenQueueFull bool `env:"KLOG_DROP_WHEN_QUEUE_FULL,default=false"`

	// RateLimit caps deliveries per second. 0 disables the limit.
	RateLimit float64 `env:"KLOG_RATE_LIMIT,default=0"`
	// DownSampleRate is the fraction of pushes kept, in (0, 1].
	DownSampleRate float64 `env:"KLOG_DOWN_SAMPLE_RATE,default=1"`
	// FlushInterval is the longest a pending batch waits for more logs.
	FlushInterval time.Duration `env:"KLOG_FLUSH_INTERVAL,default=5s"`

	// MaxRetries after a failed delivery. Negative retries forever.
	MaxRetries int `env:"KLOG_MAX_RETRIES,default=-1"`
	// RetryInterval between retries. Non-positive selects exponential
	// backoff from 1s to 60s.
	RetryInterval time.Duration `env:"KLOG_RETRY_INTERVAL,default=-1s"`

	// Compression is one of "lz4", "zstd" or "none".
	Compression    string        `env:"KLOG_COMPRESSION,default=lz4"`
	RequestTimeout time.Duration `env:"KLOG_REQUEST_TIMEOUT,default=30s"`
	UserAgent      string        `env:"KLOG_USER_AGENT,default=go-klog"`

	// LogLevel is the verbosity of the client's own logging.
	LogLevel string `env:"KLOG_LOG_LEVEL,default=warn"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:      2000,
		RateLimit:      0,
		DownSampleRate: 1,
		FlushInterval:  5 * time.Second,
		MaxRetries:     -1,
		RetryInterval:  -time.Second,
		Compression:    compress.NameLZ4,
		RequestTimeout: 30 * time.Second,
		UserAgent:      "go-klog",
		LogLevel:       "warn",
	}
}

// LoadConfig reads a Config from KLOG_* environment variables.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}
	return cfg, nil
}

// maxRetries clamps the configured value to the protocol maximum.
func (c Config) maxRetries() int {
	if c.MaxRetries > record.MaxRetries {
		return record.MaxRetries
	}
	return c.MaxRetries
}

// Option injects a collaborator into a Client.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	credential auth.Credential
	transport  transport.Transport
	signer     auth.Signer
	compressor compress.Compressor
	converter  record.Converter
}

// WithLogger sends the client's own logs to base instead of a new
// production logger on stderr.
func WithLogger(base *zap.Logger) Option {
	return func(o *options) { o.logger = base }
}

// WithCredential supplies the access key pair, e.g. one that rotates.
func WithCredential(c auth.Credential) Option {
	return func(o *options) { o.credential = c }
}

// WithTransport replaces the HTTP transport. The client closes it on Close.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithSigner replaces the HMAC-SHA1 request signer.
func WithSigner(s auth.Signer) Option {
	return func(o *options) { o.signer = s }
}

// WithCompressor replaces the compressor selected by Config.Compression.
func WithCompressor(c compress.Compressor) Option {
	return func(o *options) { o.compressor = c }
}

// WithConverter replaces the payload converter.
func WithConverter(c record.Converter) Option {
	return func(o *options) { o.converter = c }
}
