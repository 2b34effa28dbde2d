package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"livecap/internal/capture"
)

// clusterMarker opens a self-contained media cluster in a WebM/Matroska
// stream. Everything the encoder emits before the first cluster is the
// container header required to decode any later cluster.
var clusterMarker = []byte{0x1F, 0x43, 0xB6, 0x75}

// ErrHeaderNotFound reports that the first block carried no cluster marker.
// The session continues in passthrough: later segments are forwarded
// unmodified and the remote decoder may reject them. Not fatal.
var ErrHeaderNotFound = errors.New("no container header found in first block")

// Segment is one fixed-duration slice of the encoded stream. Offsets are
// derived from the index, never from encoder timestamps, so the timeline is
// contiguous and gap-free by construction.
type Segment struct {
	Index    int
	Start    float64
	End      float64
	Payload  []byte
	MimeType string
}

// Segmenter slices a live capability into independently decodable segments.
// Single producer per session; segments are delivered strictly in order.
type Segmenter struct {
	log *log.Logger

	// newTicker is swapped out in tests to drive segment boundaries manually.
	newTicker func(d time.Duration) (<-chan time.Time, func())

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	cap     capture.Capability
	wg      sync.WaitGroup
}

func New(logger *log.Logger) *Segmenter {
	return &Segmenter{
		log: logger,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Start begins capturing and returns the segment stream plus an error stream.
// ErrHeaderNotFound on the error stream is a warning; anything else means the
// capability died and the session must stop. The returned error covers
// acquisition itself (capability or encoder rejection).
func (s *Segmenter) Start(
	ctx context.Context,
	cap capture.Capability,
	chunkDuration time.Duration,
) (<-chan Segment, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, nil, errors.New("segmenter already started")
	}
	if chunkDuration <= 0 {
		return nil, nil, fmt.Errorf("invalid chunk duration %s", chunkDuration)
	}

	blocks, err := cap.Start(ctx)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	segments := make(chan Segment, 8)
	errs := make(chan error, 4)

	s.running = true
	s.cancel = cancel
	s.cap = cap

	s.wg.Add(1)
	go s.run(runCtx, blocks, chunkDuration, cap.MimeType(), segments, errs)

	return segments, errs, nil
}

func (s *Segmenter) run(
	ctx context.Context,
	blocks <-chan []byte,
	chunkDuration time.Duration,
	mimeType string,
	segments chan<- Segment,
	errs chan<- error,
) {
	defer s.wg.Done()
	defer close(segments)
	defer close(errs)

	ticks, stopTicker := s.newTicker(chunkDuration)
	defer stopTicker()

	chunkSec := chunkDuration.Seconds()
	var buf bytes.Buffer
	var header []byte
	index := 0
	scanned := false
	gotAudio := false

	for {
		select {
		case <-ctx.Done():
			return

		case b, ok := <-blocks:
			if !ok {
				select {
				case errs <- &capture.CapabilityError{Reason: "audio source ended"}:
				case <-ctx.Done():
				}
				return
			}
			if !gotAudio && len(b) > 0 {
				gotAudio = true
				s.monitor()
			}
			buf.Write(b)

		case <-ticks:
			if buf.Len() == 0 {
				s.log.Debug("empty tick, no encoder output yet")
				continue
			}
			block := make([]byte, buf.Len())
			copy(block, buf.Bytes())
			buf.Reset()

			payload := block
			if !scanned {
				scanned = true
				if k := bytes.Index(block, clusterMarker); k >= 0 {
					header = append([]byte(nil), block[:k]...)
					s.log.Info("container header cached", "bytes", len(header))
				} else {
					s.log.Warn("cluster marker missing, forwarding raw blocks")
					select {
					case errs <- ErrHeaderNotFound:
					case <-ctx.Done():
						return
					}
				}
			} else if header != nil {
				payload = make([]byte, 0, len(header)+len(block))
				payload = append(payload, header...)
				payload = append(payload, block...)
			}

			seg := Segment{
				Index:    index,
				Start:    float64(index) * chunkSec,
				End:      float64(index+1) * chunkSec,
				Payload:  payload,
				MimeType: mimeType,
			}
			index++

			select {
			case segments <- seg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// monitor nudges capabilities that need help keeping local playback audible.
func (s *Segmenter) monitor() {
	s.mu.Lock()
	cap := s.cap
	s.mu.Unlock()
	if m, ok := cap.(capture.Monitorable); ok {
		if err := m.Monitor(); err != nil {
			s.log.Warn("local playback monitor failed", "error", err)
		}
	}
}

// Stop tears down the producer and releases the capability exactly once.
// Calling Stop when not started is a no-op.
func (s *Segmenter) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	cap := s.cap
	s.cancel = nil
	s.cap = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	if err := cap.Release(); err != nil {
		s.log.Warn("capability release failed", "error", err)
	}
}
