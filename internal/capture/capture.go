package capture

import (
	"context"
	"fmt"
)

// Capability is an exclusively owned live audio source granted by the host
// environment. A capability is acquired once per session and released exactly
// once; it is never re-acquired implicitly.
type Capability interface {
	// Start begins producing encoded container audio. Blocks arrive on the
	// returned channel at whatever granularity the encoder emits them; the
	// channel closes when the producer stops or the context is canceled.
	Start(ctx context.Context) (<-chan []byte, error)

	// MimeType reports the container format the capability produces.
	MimeType() string

	// Release frees the underlying media source. Safe to call repeatedly.
	Release() error
}

// Monitorable is implemented by capabilities that need an explicit nudge to
// keep the captured audio audible locally. Sources that read from a monitor
// device preserve playback inherently and do not implement it.
type Monitorable interface {
	Monitor() error
}

// CapabilityError means the audio source could not be acquired or stopped
// producing samples. Fatal to the session.
type CapabilityError struct {
	Reason string
	Err    error
}

func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("capability: %s", e.Reason)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// EncoderError means no encoding profile was accepted by the host. Fatal.
type EncoderError struct {
	Profile string
	Err     error
}

func (e *EncoderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encoder: no accepted profile %q: %v", e.Profile, e.Err)
	}
	return fmt.Sprintf("encoder: no accepted profile %q", e.Profile)
}

func (e *EncoderError) Unwrap() error { return e.Err }
