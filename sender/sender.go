// Package sender batches converted logs for one destination and delivers
// the batches to the PutLogs endpoint.
//
// A Sender is not safe for concurrent use. The worker goroutine owns every
// Sender and is the only caller of its methods.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hsdfat/go-klog/auth"
	"github.com/hsdfat/go-klog/compress"
	"github.com/hsdfat/go-klog/klogerr"
	"github.com/hsdfat/go-klog/logger"
	"github.com/hsdfat/go-klog/record"
	"github.com/hsdfat/go-klog/transport"
)

// Protocol constants of the PutLogs API.
const (
	APIVersion  = "0.2_go0.1"
	Method      = http.MethodPost
	Path        = "/PutLogs"
	ContentType = "application/x-protobuf"

	HeaderAPIVersion      = "X-Klog-Api-Version"
	HeaderSignatureMethod = "X-Klog-Signature-Method"
	HeaderCompressType    = "X-Klog-Compress-Type"
)

// Options holds the collaborators shared by every destination.
type Options struct {
	// MaxRetries is the number of retries after a failed delivery before
	// the group is dropped. Negative retries forever.
	MaxRetries int
	Backoff    Backoff

	Converter  record.Converter
	Compressor compress.Compressor
	Signer     auth.Signer
	Transport  transport.Transport
	Logger     logger.LoggerI

	// Now and Sleep default to the time package. Sleep returns early with
	// ctx.Err() when ctx is done.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.Backoff == nil {
		out.Backoff = NewBackoff(-1)
	}
	if out.Converter == nil {
		out.Converter = record.DefaultConverter
	}
	if out.Compressor == nil {
		out.Compressor = compress.LZ4{}
	}
	if out.Logger == nil {
		out.Logger = logger.Nop()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Sleep == nil {
		out.Sleep = sleep
	}
	return &out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats counts what happened to the logs of one destination.
type Stats struct {
	Rejected        uint64 // logs dropped by conversion or bound checks
	GroupsDelivered uint64
	GroupsDropped   uint64
	LogsDelivered   uint64
	LogsDropped     uint64
}

// Sender is the buffer and delivery loop of a single destination.
type Sender struct {
	opts       *Options
	dest       record.Destination
	query      string
	requestURI string

	groups   []*record.Group
	lastSend time.Time
	stats    Stats
}

// New creates the Sender for dest. Signer and Transport must be set.
func New(dest record.Destination, opts *Options) *Sender {
	o := opts.withDefaults()
	query := "ProjectName=" + url.QueryEscape(dest.Project) + "&LogPoolName=" + url.QueryEscape(dest.Pool)
	return &Sender{
		opts:       o,
		dest:       dest,
		query:      query,
		requestURI: Path + "?" + query,
		lastSend:   o.Now(),
	}
}

// Destination returns the destination served by s.
func (s *Sender) Destination() record.Destination {
	return s.dest
}

// Add converts item and appends it to the newest group, opening a new group
// when the current one cannot take it. A rejected item is logged and
// dropped; the returned error wraps klogerr.ErrRecordRejected.
func (s *Sender) Add(item record.Item) error {
	l, err := s.opts.Converter.Convert(item.Payload, item.Timestamp)
	if err != nil {
		if !errors.Is(err, klogerr.ErrRecordRejected) {
			err = fmt.Errorf("%w: %w", record.ErrConvert, err)
		}
		s.stats.Rejected++
		s.opts.Logger.Warn("1 log dropped while converting", "destination", s.dest.String(), "error", err)
		return err
	}

	size, err := record.Check(l)
	if err != nil {
		s.stats.Rejected++
		s.opts.Logger.Warn("1 log dropped", "destination", s.dest.String(), "error", err)
		return err
	}

	if len(s.groups) == 0 || !s.groups[len(s.groups)-1].Fits(size) {
		s.groups = append(s.groups, &record.Group{})
	}
	s.groups[len(s.groups)-1].Add(l, size)
	return nil
}

// Pending reports whether any group is waiting for delivery.
func (s *Sender) Pending() bool {
	return len(s.groups) > 0
}

// Saturated reports whether more than one group is queued, meaning
// delivery is falling behind.
func (s *Sender) Saturated() bool {
	return len(s.groups) > 1
}

// Groups returns the number of queued groups.
func (s *Sender) Groups() int {
	return len(s.groups)
}

// LastSend returns when the last group was resolved, or the creation time
// if none has been.
func (s *Sender) LastSend() time.Time {
	return s.lastSend
}

// Stats returns the destination's counters.
func (s *Sender) Stats() Stats {
	return s.stats
}

// Send resolves the oldest group: it is delivered, or dropped once the
// retry budget is spent or ctx is done. Send reports whether the group was
// delivered; with nothing pending it returns true.
func (s *Sender) Send(ctx context.Context) bool {
	if len(s.groups) == 0 {
		return true
	}
	g := s.groups[0]
	s.opts.Logger.Debug("processing logs", "destination", s.dest.String(), "logs", g.Len(), "bytes", g.Size())

	delivered := s.deliverWithRetry(ctx, g)

	s.groups[0] = nil // release logs for GC
	s.groups = s.groups[1:]
	s.lastSend = s.opts.Now()
	if delivered {
		s.stats.GroupsDelivered++
		s.stats.LogsDelivered += uint64(g.Len())
	} else {
		s.stats.GroupsDropped++
		s.stats.LogsDropped += uint64(g.Len())
	}
	return delivered
}

func (s *Sender) deliverWithRetry(ctx context.Context, g *record.Group) bool {
	body, err := s.opts.Compressor.Compress(g.Marshal())
	if err != nil {
		s.opts.Logger.Error("logs dropped, compression failed",
			"destination", s.dest.String(), "logs", g.Len(), "error", err)
		return false
	}

	headers := map[string]string{
		HeaderAPIVersion:      APIVersion,
		HeaderSignatureMethod: auth.SignatureMethod,
	}
	if name := s.opts.Compressor.Name(); name != compress.NameNone {
		headers[HeaderCompressType] = name
	}

	for attempt := 0; ; attempt++ {
		err := s.deliver(ctx, body, headers)
		if err == nil {
			return true
		}
		s.opts.Logger.Warn("delivery failed",
			"destination", s.dest.String(),
			"attempt", attempt+1,
			"error", err,
		)

		if s.opts.MaxRetries >= 0 && attempt >= s.opts.MaxRetries {
			s.opts.Logger.Error("max retries reached, logs dropped",
				"destination", s.dest.String(), "max_retries", s.opts.MaxRetries, "logs", g.Len())
			return false
		}
		if err := s.opts.Sleep(ctx, s.opts.Backoff.Delay(attempt)); err != nil {
			s.opts.Logger.Error("retry abandoned, logs dropped",
				"destination", s.dest.String(), "logs", g.Len(), "error", err)
			return false
		}
	}
}

func (s *Sender) deliver(ctx context.Context, body []byte, headers map[string]string) error {
	signed, err := s.opts.Signer.Sign(&auth.Request{
		Method:      Method,
		Path:        Path,
		Query:       s.query,
		Body:        body,
		ContentType: ContentType,
		Headers:     headers,
	})
	if err != nil {
		return fmt.Errorf("%w: sign request: %w", klogerr.ErrDeliveryFailed, err)
	}

	resp, err := s.opts.Transport.Send(ctx, Method, s.requestURI, body, signed)
	if err != nil {
		return fmt.Errorf("%w: %w", klogerr.ErrDeliveryFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status=%d, response_body=%s", klogerr.ErrDeliveryFailed, resp.StatusCode, resp.Body)
	}
	return nil
}
