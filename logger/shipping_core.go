package logger

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"github.com/hsdfat/go-klog/record"
)

// Pusher accepts log payloads for asynchronous delivery. *client.Client
// implements it.
type Pusher interface {
	PushAt(project, pool string, payload any, timestamp int64) bool
}

// Flusher is implemented by pushers that can drain pending logs.
type Flusher interface {
	Flush(ctx context.Context) error
}

// shippingCore implements zapcore.Core to forward application logs to a
// KLog destination.
//
// Do not use a logger built on this core as the pipeline's own logger:
// delivery warnings would be pushed back into the pipeline.
type shippingCore struct {
	zapcore.LevelEnabler
	pusher   Pusher
	dest     record.Destination
	hostname string
	instance string
	fields   record.Fields
}

// NewShippingCore returns a zapcore.Core that pushes every enabled entry to
// project/pool. Each entry becomes an ordered payload of level, message,
// caller, stack, hostname, instance and the structured fields.
func NewShippingCore(p Pusher, project, pool string, enab zapcore.LevelEnabler) zapcore.Core {
	hostname, _ := os.Hostname()
	return &shippingCore{
		LevelEnabler: enab,
		pusher:       p,
		dest:         record.Destination{Project: project, Pool: pool},
		hostname:     hostname,
		instance:     uuid.NewString(),
	}
}

// With adds structured context to the Core
func (c *shippingCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make(record.Fields, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, toFields(fields)...)
	return &clone
}

// Check determines whether the supplied Entry should be logged
func (c *shippingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write converts the entry to ordered fields and pushes it. A full queue in
// drop mode loses the entry silently.
func (c *shippingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	payload := make(record.Fields, 0, 7+len(c.fields)+len(fields))
	payload = append(payload,
		record.Field{Key: "level", Value: ent.Level.String()},
		record.Field{Key: "message", Value: ent.Message},
	)
	if ent.LoggerName != "" {
		payload = append(payload, record.Field{Key: "logger", Value: ent.LoggerName})
	}
	if ent.Caller.Defined {
		payload = append(payload, record.Field{Key: "caller", Value: ent.Caller.TrimmedPath()})
	}
	if ent.Stack != "" {
		payload = append(payload, record.Field{Key: "stack_trace", Value: ent.Stack})
	}
	if c.hostname != "" {
		payload = append(payload, record.Field{Key: "hostname", Value: c.hostname})
	}
	payload = append(payload, record.Field{Key: "instance", Value: c.instance})
	payload = append(payload, c.fields...)
	payload = append(payload, toFields(fields)...)

	c.pusher.PushAt(c.dest.Project, c.dest.Pool, payload, ent.Time.UnixMilli())
	return nil
}

// Sync flushes pending logs if the pusher supports it.
func (c *shippingCore) Sync() error {
	f, ok := c.pusher.(Flusher)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.Flush(ctx)
}

// toFields resolves zap fields to plain values through a map encoder, which
// handles every zap field type including objects and arrays.
func toFields(fields []zapcore.Field) record.Fields {
	enc := zapcore.NewMapObjectEncoder()
	out := make(record.Fields, 0, len(fields))
	for _, f := range fields {
		f.AddTo(enc)
		if v, ok := enc.Fields[f.Key]; ok {
			out = append(out, record.Field{Key: f.Key, Value: v})
			delete(enc.Fields, f.Key)
		}
	}
	return out
}
