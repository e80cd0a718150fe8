// Package client is the producer-facing entry point of the shipping
// pipeline. A Client samples and enqueues logs on the caller's goroutine
// and delivers them from a single background worker.
package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/hsdfat/go-klog/auth"
	"github.com/hsdfat/go-klog/compress"
	"github.com/hsdfat/go-klog/klogerr"
	"github.com/hsdfat/go-klog/logger"
	"github.com/hsdfat/go-klog/queue"
	"github.com/hsdfat/go-klog/ratelimit"
	"github.com/hsdfat/go-klog/record"
	"github.com/hsdfat/go-klog/sampler"
	"github.com/hsdfat/go-klog/sender"
	"github.com/hsdfat/go-klog/transport"
	"github.com/hsdfat/go-klog/worker"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("klog: client closed")

// Stats is a snapshot of the client counters.
type Stats struct {
	Pushed        uint64 // accepted into the queue
	SampledOut    uint64
	QueueDropped  uint64 // refused by a full queue in drop mode
	Queued        int
	QueueCapacity int
	worker.Stats

	// Transport health, reported when the transport tracks it. A transport
	// that does not is always considered healthy.
	Healthy   bool
	LastError error
}

// Client ships logs to KLog. It is safe for concurrent use.
type Client struct {
	config  Config
	sampler *sampler.Sampler
	queue   *queue.Queue
	worker  *worker.Worker
	health  transport.HealthReporter
	log     logger.LoggerI

	cancel    context.CancelFunc
	runErr    chan error
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	pushed       atomic.Uint64
	sampledOut   atomic.Uint64
	queueDropped atomic.Uint64
}

// New validates cfg, builds the pipeline and starts the background worker.
// Invalid parameters are reported as errors wrapping klogerr.ErrConfig.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	credential := o.credential
	if credential == nil {
		c, err := auth.NewStaticCredential(cfg.AccessKey, cfg.SecretKey)
		if err != nil {
			return nil, err
		}
		credential = c
	} else if err := auth.Validate(credential); err != nil {
		return nil, err
	}

	q, err := queue.New(cfg.QueueSize)
	if err != nil {
		return nil, err
	}
	smp, err := sampler.New(cfg.DownSampleRate)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimit.Limiter
	switch {
	case cfg.RateLimit < 0:
		return nil, klogerr.Configf("rate limit must not be negative, got %v", cfg.RateLimit)
	case cfg.RateLimit > 0:
		if limiter, err = ratelimit.New(cfg.RateLimit, 0); err != nil {
			return nil, err
		}
	}

	compressor := o.compressor
	if compressor == nil {
		if compressor, err = compress.New(cfg.Compression); err != nil {
			return nil, err
		}
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, klogerr.Configf("%v", err)
	}
	var log *logger.Logger
	if o.logger != nil {
		log = logger.Wrap(o.logger, level)
	} else if log, err = logger.NewLogger(cfg.LogLevel); err != nil {
		return nil, err
	}

	tr := o.transport
	if tr == nil {
		tr, err = transport.NewHTTP(transport.HTTPConfig{
			Endpoint:  cfg.Endpoint,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
		})
		if err != nil {
			return nil, err
		}
	}

	signer := o.signer
	if signer == nil {
		signer = auth.NewHMACSigner(credential)
	}

	w := worker.New(q, worker.Config{
		FlushInterval: cfg.FlushInterval,
		Limiter:       limiter,
		Logger:        log,
		Sender: &sender.Options{
			MaxRetries: cfg.maxRetries(),
			Backoff:    sender.NewBackoff(cfg.RetryInterval),
			Converter:  o.converter,
			Compressor: compressor,
			Signer:     signer,
			Transport:  tr,
			Logger:     log,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:  cfg,
		sampler: smp,
		queue:   q,
		worker:  w,
		log:     log,
		cancel:  cancel,
		runErr:  make(chan error, 1),
	}
	c.health, _ = tr.(transport.HealthReporter)
	go func() {
		c.runErr <- w.Run(ctx)
	}()

	fields := []any{
		"queue_size", q.Cap(),
		"down_sample_rate", smp.Rate(),
		"compression", compressor.Name(),
	}
	if h, ok := tr.(*transport.HTTP); ok {
		fields = append(fields, "endpoint", h.Endpoint())
	}
	if limiter != nil {
		fields = append(fields, "rate_limit", limiter.Limit(), "rate_limit_slots", limiter.Slots())
	}
	log.Debug("client started", fields...)
	return c, nil
}

// Push enqueues payload for project/pool, timestamped now.
func (c *Client) Push(project, pool string, payload any) bool {
	return c.PushAt(project, pool, payload, 0)
}

// PushAt enqueues payload for project/pool with a timestamp in milliseconds
// since the epoch; 0 means now. It returns false if the log was sampled
// out, refused by a full queue in drop mode, or the client is closed. In
// blocking mode PushAt waits for queue space.
func (c *Client) PushAt(project, pool string, payload any, timestamp int64) bool {
	if c.closed.Load() {
		return false
	}
	if !c.sampler.Allow() {
		c.sampledOut.Add(1)
		return false
	}
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	item := record.Item{
		Destination: record.Destination{
			Project: strings.TrimSpace(project),
			Pool:    strings.TrimSpace(pool),
		},
		Payload:   payload,
		Timestamp: timestamp,
	}
	if !c.queue.Put(item, !c.config.DropWhenQueueFull) {
		if !c.closed.Load() {
			c.queueDropped.Add(1)
		}
		return false
	}
	c.pushed.Add(1)
	return true
}

// Flush delivers everything pushed so far and waits until no destination
// has pending logs or ctx is done. Delivery failures are logged, not
// returned.
func (c *Client) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	err := c.worker.Flush(ctx)
	if errors.Is(err, worker.ErrStopped) {
		return ErrClosed
	}
	return err
}

// Close flushes pending logs within ctx, stops the worker and closes the
// transport. Logs pushed concurrently with Close may be lost, and producers
// blocked on a full queue are released with a false result. Calling Close
// again returns the first result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		flushErr := c.worker.Flush(ctx)
		c.closed.Store(true)
		c.cancel()
		c.queue.Close()

		var runErr error
		select {
		case runErr = <-c.runErr:
		case <-ctx.Done():
			// The worker is stuck in a transport call; it exits once the
			// request returns.
			runErr = ctx.Err()
		}
		if errors.Is(flushErr, runErr) {
			flushErr = nil
		}
		c.closeErr = multierr.Combine(flushErr, runErr)
		if c.closeErr != nil {
			c.log.Warn("close incomplete", "error", c.closeErr)
		}
	})
	return c.closeErr
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	st := Stats{
		Pushed:        c.pushed.Load(),
		SampledOut:    c.sampledOut.Load(),
		QueueDropped:  c.queueDropped.Load(),
		Queued:        c.queue.Len(),
		QueueCapacity: c.queue.Cap(),
		Stats:         c.worker.Stats(),
		Healthy:       true,
	}
	if c.health != nil {
		st.Healthy = c.health.IsHealthy()
		st.LastError = c.health.LastError()
	}
	return st
}
