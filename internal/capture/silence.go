package capture

import (
	"context"
	"time"

	opus "gopkg.in/hraban/opus.v2"
)

// DefaultSignalThreshold is the peak amplitude (0..1) treated as audible.
const DefaultSignalThreshold = 0.02

const (
	signalSampleRate = 48000
	signalChannels   = 2
	// 60ms at 48kHz stereo, the largest Opus frame we expect.
	signalFrameSamples = 2880 * signalChannels
)

// SignalOutcome is the result of WaitForSignal. Both outcomes mean the caller
// should proceed; the wait is an optimization, never a correctness gate.
type SignalOutcome int

const (
	SignalDetected SignalOutcome = iota
	SignalTimeout
)

func (o SignalOutcome) String() string {
	if o == SignalDetected {
		return "detected"
	}
	return "timeout"
}

type frameDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// WaitForSignal consumes Opus frames until one crosses the peak-amplitude
// threshold or the timeout elapses. Undecodable frames are skipped.
func WaitForSignal(
	ctx context.Context,
	frames <-chan []byte,
	threshold float64,
	timeout time.Duration,
) (SignalOutcome, error) {
	dec, err := opus.NewDecoder(signalSampleRate, signalChannels)
	if err != nil {
		return SignalTimeout, &EncoderError{Profile: "opus decode", Err: err}
	}
	return waitForSignal(ctx, frames, dec, threshold, timeout)
}

func waitForSignal(
	ctx context.Context,
	frames <-chan []byte,
	dec frameDecoder,
	threshold float64,
	timeout time.Duration,
) (SignalOutcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	pcm := make([]int16, signalFrameSamples)
	for {
		select {
		case <-ctx.Done():
			return SignalTimeout, ctx.Err()
		case <-timer.C:
			return SignalTimeout, nil
		case frame, ok := <-frames:
			if !ok {
				return SignalTimeout, nil
			}
			n, err := dec.Decode(frame, pcm)
			if err != nil {
				continue
			}
			if peakAmplitude(pcm[:n*signalChannels]) >= threshold {
				return SignalDetected, nil
			}
		}
	}
}

func peakAmplitude(pcm []int16) float64 {
	var peak int16
	for _, s := range pcm {
		if s < 0 {
			if s == -32768 {
				return 1
			}
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return float64(peak) / 32767.0
}
