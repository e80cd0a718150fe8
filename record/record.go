// Package record defines the data that flows through the shipping pipeline:
// the items producers enqueue, the canonical Log form they are converted to,
// and the size-bounded Group batches that are delivered in one request.
package record

import (
	"fmt"

	"github.com/hsdfat/go-klog/klogerr"
)

// Protocol bounds enforced by the ingestion endpoint.
const (
	MaxKeyCount     = 900     // keys per log
	MaxKeySize      = 1 << 20 // bytes per key
	MaxValueSize    = 1 << 20 // bytes per value
	MaxBulkSize     = 4096    // logs per group
	MaxLogSize      = 3000000 // bytes per framed log
	MaxLogGroupSize = 3000000 // bytes per group

	MaxRetries = 10000
)

// Errors returned by Check and Convert. All of them wrap klogerr.ErrRecordRejected.
var (
	ErrKeyCount  = fmt.Errorf("%w: KeyCountError(max=%d)", klogerr.ErrRecordRejected, MaxKeyCount)
	ErrKeySize   = fmt.Errorf("%w: KeySizeError(max=%dbytes)", klogerr.ErrRecordRejected, MaxKeySize)
	ErrValueSize = fmt.Errorf("%w: ValueSizeError(max=%dbytes)", klogerr.ErrRecordRejected, MaxValueSize)
	ErrLogSize   = fmt.Errorf("%w: LogSizeError(max=%dbytes)", klogerr.ErrRecordRejected, MaxLogSize)
	ErrConvert   = fmt.Errorf("%w: ConvertError", klogerr.ErrRecordRejected)
)

// Destination identifies where a log is delivered.
type Destination struct {
	Project string
	Pool    string
}

func (d Destination) String() string {
	return d.Project + "/" + d.Pool
}

// Item is a single producer call waiting in the ingestion queue. It is not
// modified after it has been enqueued.
type Item struct {
	Destination Destination
	Payload     any
	Timestamp   int64 // milliseconds since epoch
}

// Content is one key/value pair of a Log.
type Content struct {
	Key   string
	Value string
}

// Log is the canonical form of an Item after conversion.
type Log struct {
	Time     int64
	Contents []Content
}

// Check validates l against the per-log protocol bounds and returns the
// number of bytes l occupies inside an encoded Group.
func Check(l *Log) (int, error) {
	if len(l.Contents) > MaxKeyCount {
		return 0, ErrKeyCount
	}
	for _, kv := range l.Contents {
		if len(kv.Key) > MaxKeySize {
			return 0, ErrKeySize
		}
		if len(kv.Value) > MaxValueSize {
			return 0, ErrValueSize
		}
	}
	size := l.FramedSize()
	if size > MaxLogSize {
		return 0, ErrLogSize
	}
	return size, nil
}
