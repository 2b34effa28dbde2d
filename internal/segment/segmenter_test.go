package segment

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecap/internal/capture"
)

type fakeCapability struct {
	blocks   chan []byte
	startErr error
	releases int32
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{blocks: make(chan []byte)}
}

func (f *fakeCapability) Start(context.Context) (<-chan []byte, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.blocks, nil
}

func (f *fakeCapability) MimeType() string { return "audio/webm;codecs=opus" }

func (f *fakeCapability) Release() error {
	atomic.AddInt32(&f.releases, 1)
	return nil
}

func (f *fakeCapability) releaseCount() int {
	return int(atomic.LoadInt32(&f.releases))
}

// testSegmenter drives segment boundaries through a manual tick channel.
func testSegmenter(t *testing.T) (*Segmenter, chan time.Time) {
	t.Helper()
	s := New(log.New(io.Discard))
	ticks := make(chan time.Time)
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() {}
	}
	return s, ticks
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting on channel")
		panic("unreachable")
	}
}

var marker = []byte{0x1F, 0x43, 0xB6, 0x75}

func TestHeaderSplicing(t *testing.T) {
	s, ticks := testSegmenter(t)
	cap := newFakeCapability()

	segments, _, err := s.Start(context.Background(), cap, 5*time.Second)
	require.NoError(t, err)
	defer s.Stop()

	header := []byte("EBMLHEAD")
	first := append(append(append([]byte{}, header...), marker...), []byte("cluster-0")...)

	cap.blocks <- first
	ticks <- time.Now()
	seg0 := recv(t, segments)
	assert.Equal(t, 0, seg0.Index)
	assert.Equal(t, first, seg0.Payload, "segment 0 is forwarded as captured")

	cap.blocks <- []byte("cluster-1")
	ticks <- time.Now()
	seg1 := recv(t, segments)
	assert.Equal(t, 1, seg1.Index)
	assert.Equal(t, append(append([]byte{}, header...), []byte("cluster-1")...), seg1.Payload,
		"later segments start with the cached header bytes")

	cap.blocks <- []byte("cluster-2")
	ticks <- time.Now()
	seg2 := recv(t, segments)
	assert.Equal(t, append(append([]byte{}, header...), []byte("cluster-2")...), seg2.Payload)
}

func TestPassthroughWhenMarkerAbsent(t *testing.T) {
	s, ticks := testSegmenter(t)
	cap := newFakeCapability()

	segments, errs, err := s.Start(context.Background(), cap, 5*time.Second)
	require.NoError(t, err)
	defer s.Stop()

	cap.blocks <- []byte("opaque-0")
	ticks <- time.Now()

	warn := recv(t, errs)
	assert.ErrorIs(t, warn, ErrHeaderNotFound)
	seg0 := recv(t, segments)
	assert.Equal(t, []byte("opaque-0"), seg0.Payload)

	cap.blocks <- []byte("opaque-1")
	ticks <- time.Now()
	seg1 := recv(t, segments)
	assert.Equal(t, []byte("opaque-1"), seg1.Payload, "no splicing without a cached header")
}

func TestTimelineContiguity(t *testing.T) {
	s, ticks := testSegmenter(t)
	cap := newFakeCapability()

	segments, _, err := s.Start(context.Background(), cap, 5*time.Second)
	require.NoError(t, err)
	defer s.Stop()

	var prev *Segment
	for i := 0; i < 4; i++ {
		cap.blocks <- []byte{byte(i)}
		ticks <- time.Now()
		seg := recv(t, segments)
		assert.Equal(t, i, seg.Index)
		assert.InDelta(t, float64(i)*5.0, seg.Start, 1e-9)
		assert.InDelta(t, float64(i+1)*5.0, seg.End, 1e-9)
		if prev != nil {
			assert.Equal(t, prev.End, seg.Start, "segment boundaries are gap-free")
		}
		c := seg
		prev = &c
	}
}

func TestEmptyTickProducesNoSegment(t *testing.T) {
	s, ticks := testSegmenter(t)
	cap := newFakeCapability()

	segments, _, err := s.Start(context.Background(), cap, 5*time.Second)
	require.NoError(t, err)
	defer s.Stop()

	ticks <- time.Now()
	ticks <- time.Now()

	cap.blocks <- []byte("late")
	ticks <- time.Now()
	seg := recv(t, segments)
	assert.Equal(t, 0, seg.Index, "index only advances when a segment is emitted")
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := testSegmenter(t)
	cap := newFakeCapability()

	_, _, err := s.Start(context.Background(), cap, time.Second)
	require.NoError(t, err)

	s.Stop()
	s.Stop()
	assert.Equal(t, 1, cap.releaseCount(), "capability released exactly once")
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	s, _ := testSegmenter(t)
	s.Stop()
}

func TestSourceEndingIsFatal(t *testing.T) {
	s, _ := testSegmenter(t)
	cap := newFakeCapability()

	_, errs, err := s.Start(context.Background(), cap, time.Second)
	require.NoError(t, err)
	defer s.Stop()

	close(cap.blocks)
	fatal := recv(t, errs)
	var capErr *capture.CapabilityError
	assert.True(t, errors.As(fatal, &capErr))
}

func TestStartPropagatesAcquisitionFailure(t *testing.T) {
	s, _ := testSegmenter(t)
	cap := newFakeCapability()
	cap.startErr = &capture.CapabilityError{Reason: "revoked"}

	_, _, err := s.Start(context.Background(), cap, time.Second)
	var capErr *capture.CapabilityError
	require.True(t, errors.As(err, &capErr))
}
