// Package worker runs the single background goroutine that drains the
// ingestion queue, batches items per destination and delivers the batches.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hsdfat/go-klog/logger"
	"github.com/hsdfat/go-klog/queue"
	"github.com/hsdfat/go-klog/ratelimit"
	"github.com/hsdfat/go-klog/record"
	"github.com/hsdfat/go-klog/sender"
)

// ErrStopped is returned by Flush once the worker has stopped.
var ErrStopped = errors.New("klog: worker stopped")

// Default timing.
const (
	DefaultFlushInterval = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// Config configures a Worker.
type Config struct {
	// FlushInterval is how long a destination may hold pending logs
	// before they are delivered regardless of batch size.
	FlushInterval time.Duration
	// PollInterval bounds how long the worker waits for a queued item
	// before checking destinations.
	PollInterval time.Duration
	// Limiter, if set, is waited on before every delivery.
	Limiter *ratelimit.Limiter
	// Sender holds the collaborators shared by all destinations. The
	// worker takes ownership of Sender.Transport and closes it when Run
	// returns.
	Sender *sender.Options
	Logger logger.LoggerI
}

// Stats are cumulative log counts across all destinations.
type Stats struct {
	Routed    uint64
	Rejected  uint64
	Delivered uint64
	Dropped   uint64
}

// Worker is the dispatcher between the queue and the per-destination
// senders. The senders and the map holding them are touched only by the
// goroutine executing Run.
type Worker struct {
	queue  *queue.Queue
	config Config
	log    logger.LoggerI

	senders map[record.Destination]*sender.Sender
	order   []*sender.Sender

	flushRequests chan chan struct{}
	done          chan struct{}

	routed    atomic.Uint64
	rejected  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Worker draining q. Call Run to start it.
func New(q *queue.Queue, config Config) *Worker {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	opts := sender.Options{}
	if config.Sender != nil {
		opts = *config.Sender
	}
	config.Sender = &opts
	log := config.Logger
	if log == nil {
		log = logger.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		queue:         q,
		config:        config,
		log:           log,
		senders:       make(map[record.Destination]*sender.Sender),
		flushRequests: make(chan chan struct{}),
		done:          make(chan struct{}),
	}
}

// Run processes the queue until ctx is done, then closes the transport.
// Items still queued or buffered at that point are discarded; call Flush
// first to deliver them.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	var waiting []chan struct{}
	for ctx.Err() == nil {
		// Flush requests are taken before routing so that everything
		// queued ahead of them is batched before the forced delivery.
		waiting = w.collectFlushRequests(waiting)
		flushing := len(waiting) > 0
		if flushing {
			// Route what is queued now; items pushed meanwhile are picked
			// up by the next pass.
			for n := w.queue.Len(); n > 0; n-- {
				item, ok := w.queue.Get(0)
				if !ok {
					break
				}
				w.route(item)
			}
		} else if item, ok := w.queue.Get(w.config.PollInterval); ok {
			w.route(item)
		}

		w.deliver(ctx, flushing)

		if flushing && w.queue.Len() == 0 && !w.pending() {
			for _, req := range waiting {
				close(req)
			}
			waiting = nil
		}
	}

	if w.config.Sender.Transport != nil {
		return w.config.Sender.Transport.Close()
	}
	return nil
}

// Flush asks the worker to deliver everything queued and buffered and waits
// until no destination has pending logs or ctx is done. Delivery failures
// are not reported; Flush returns ctx.Err() if ctx ends first.
func (w *Worker) Flush(ctx context.Context) error {
	req := make(chan struct{})
	select {
	case w.flushRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrStopped
	}

	select {
	case <-req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrStopped
	}
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stats returns cumulative counters. Safe to call from any goroutine.
func (w *Worker) Stats() Stats {
	return Stats{
		Routed:    w.routed.Load(),
		Rejected:  w.rejected.Load(),
		Delivered: w.delivered.Load(),
		Dropped:   w.dropped.Load(),
	}
}

func (w *Worker) collectFlushRequests(waiting []chan struct{}) []chan struct{} {
	for {
		select {
		case req := <-w.flushRequests:
			waiting = append(waiting, req)
		default:
			return waiting
		}
	}
}

func (w *Worker) route(item record.Item) {
	w.routed.Add(1)
	s, ok := w.senders[item.Destination]
	if !ok {
		s = sender.New(item.Destination, w.config.Sender)
		w.senders[item.Destination] = s
		w.order = append(w.order, s)
		w.log.Debug("new destination", "destination", item.Destination.String())
	}
	if err := s.Add(item); err != nil {
		w.rejected.Add(1)
	}
}

// deliver sends one group for every destination that is saturated or has
// held pending logs longer than the flush interval. With force set, every
// destination with pending logs qualifies.
func (w *Worker) deliver(ctx context.Context, force bool) {
	now := w.config.Sender.Now()
	for _, s := range w.order {
		if !s.Pending() {
			continue
		}
		due := force || s.Saturated() || now.Sub(s.LastSend()) >= w.config.FlushInterval
		if !due {
			continue
		}
		if w.config.Limiter != nil {
			if err := w.config.Limiter.Wait(ctx); err != nil {
				return
			}
		}

		w.log.Debug("delivering", "destination", s.Destination().String(), "groups", s.Groups(), "forced", force)
		before := s.Stats()
		s.Send(ctx)
		after := s.Stats()
		w.delivered.Add(after.LogsDelivered - before.LogsDelivered)
		w.dropped.Add(after.LogsDropped - before.LogsDropped)
	}
}

func (w *Worker) pending() bool {
	for _, s := range w.order {
		if s.Pending() {
			return true
		}
	}
	return false
}
