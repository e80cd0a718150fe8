// Package klogerr holds the error categories shared by every stage of the
// shipping pipeline. Callers classify failures with errors.Is.
package klogerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks invalid construction parameters. It is only ever
	// returned synchronously from constructors.
	ErrConfig = errors.New("klog: invalid configuration")

	// ErrRecordRejected marks a single log item that was dropped because it
	// could not be converted or exceeded a protocol bound.
	ErrRecordRejected = errors.New("klog: record rejected")

	// ErrDeliveryFailed marks a non-200 response or a transport error.
	ErrDeliveryFailed = errors.New("klog: delivery failed")
)

// Configf returns an error wrapping ErrConfig with a formatted detail.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
