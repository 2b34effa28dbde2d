package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecap/internal/caption"
	"livecap/internal/capture"
	"livecap/internal/store"
)

type fakeCapability struct {
	blocks   chan []byte
	releases int32
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{blocks: make(chan []byte, 16)}
}

func (f *fakeCapability) Start(context.Context) (<-chan []byte, error) {
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

type fakePresenter struct {
	mu     sync.Mutex
	shown  []string
	clears int
}

func (p *fakePresenter) ShowCaption(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, text)
}

func (p *fakePresenter) ClearCaption() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
}

func (p *fakePresenter) ApplyDisplay(caption.DisplayConfig) {}

func (p *fakePresenter) captions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.shown...)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
	previews []string
}

func (r *statusRecorder) StatusUpdate(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) SubtitlePreview(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previews = append(r.previews, text)
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *statusRecorder) sawErrorState() bool {
	for _, s := range r.snapshot() {
		if s.State == "error" {
			return true
		}
	}
	return false
}

func acquireSequence(caps ...capture.Capability) AcquireFunc {
	var next int32
	return func(context.Context, Config) (capture.Capability, error) {
		i := atomic.AddInt32(&next, 1) - 1
		return caps[i], nil
	}
}

func newTestController(acquire AcquireFunc) (*Controller, *store.Memory, *fakePresenter, *statusRecorder) {
	st := store.NewMemory()
	logger := log.New(io.Discard)
	renderer := caption.NewRenderer(logger, nil)
	presenter := &fakePresenter{}
	renderer.Attach(presenter)
	ctrl := New(logger, st, renderer, acquire)
	rec := &statusRecorder{}
	ctrl.AddObserver(rec)
	return ctrl, st, presenter, rec
}

// subtitleServer answers every binary frame with one subtitle event.
func subtitleServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				conn.WriteJSON(map[string]any{
					"event": "subtitle",
					"text":  text,
					"start": 0.0,
					"end":   2.0,
				})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStartFailsWhenConnectFails(t *testing.T) {
	cap := newFakeCapability()
	ctrl, st, _, rec := newTestController(acquireSequence(cap))

	err := ctrl.Start(context.Background(), Config{
		ChunkDuration: 100 * time.Millisecond,
		// Nothing listens here; the dial fails fast.
		Endpoint: "ws://127.0.0.1:1/ws/translate",
	})
	require.Error(t, err)

	assert.Equal(t, StateIdle, ctrl.State(), "failed starts settle back to idle")
	assert.Equal(t, 1, cap.releaseCount(), "capability released on failed start")

	running, _ := st.Running(context.Background())
	assert.False(t, running)
	assert.True(t, rec.sawErrorState(), "failure reason is surfaced to observers")
}

func TestLiveSessionEndToEnd(t *testing.T) {
	srv := subtitleServer(t, "shalom")
	defer srv.Close()

	cap := newFakeCapability()
	// First block carries a cluster marker so the segmenter caches a header.
	marker := []byte{0x1F, 0x43, 0xB6, 0x75}
	cap.blocks <- append(append([]byte("HDR"), marker...), []byte("c0")...)
	ctrl, st, presenter, rec := newTestController(acquireSequence(cap))

	err := ctrl.Start(context.Background(), Config{
		ChunkDuration: 30 * time.Millisecond,
		Endpoint:      wsURL(srv),
	})
	require.NoError(t, err)
	assert.Equal(t, StateLive, ctrl.State())
	assert.NotEmpty(t, ctrl.SessionID())
	assert.False(t, ctrl.StartedAt().IsZero())

	running, _ := st.Running(context.Background())
	assert.True(t, running, "durable running flag set on entering live")
	assert.Contains(t, rec.snapshot(), Status{Text: "transcribing", State: "active"})

	// Keep audio flowing so segments keep going out.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case cap.blocks <- []byte("more-audio"):
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	defer close(stop)

	require.Eventually(t, func() bool {
		return len(presenter.captions()) > 0
	}, 3*time.Second, 20*time.Millisecond, "subtitle reaches the renderer")
	assert.Equal(t, "shalom", presenter.captions()[0])

	require.Eventually(t, func() bool {
		last, _ := st.LastSubtitle(context.Background())
		return last == "shalom"
	}, 3*time.Second, 20*time.Millisecond)

	recs, err := st.Subtitles(context.Background(), ctrl.SessionID())
	require.NoError(t, err)
	require.NotEmpty(t, recs, "subtitles are archived under the session")
	assert.Equal(t, "shalom", recs[0].Text)

	rec.mu.Lock()
	previews := len(rec.previews)
	rec.mu.Unlock()
	assert.Greater(t, previews, 0, "preview relayed to observers")

	ctrl.Stop("test")
	assert.Equal(t, StateIdle, ctrl.State())
	assert.Equal(t, 1, cap.releaseCount())
	assert.True(t, ctrl.StartedAt().IsZero(), "start time resets with the session")
	running, _ = st.Running(context.Background())
	assert.False(t, running, "running flag cleared on stop")
}

func TestStopIsIdempotent(t *testing.T) {
	srv := subtitleServer(t, "x")
	defer srv.Close()

	cap := newFakeCapability()
	ctrl, _, _, _ := newTestController(acquireSequence(cap))

	err := ctrl.Start(context.Background(), Config{
		ChunkDuration: 50 * time.Millisecond,
		Endpoint:      wsURL(srv),
	})
	require.NoError(t, err)

	ctrl.Stop("first")
	ctrl.Stop("second")
	ctrl.Stop("third")

	assert.Equal(t, StateIdle, ctrl.State())
	assert.Equal(t, 1, cap.releaseCount(), "no duplicate capability release")
}

func TestStopFromIdleIsSafe(t *testing.T) {
	ctrl, _, _, _ := newTestController(acquireSequence())
	ctrl.Stop("nothing running")
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestStartWhileActiveRestartsCleanly(t *testing.T) {
	srv := subtitleServer(t, "x")
	defer srv.Close()

	first := newFakeCapability()
	second := newFakeCapability()
	ctrl, _, _, _ := newTestController(acquireSequence(first, second))

	cfg := Config{ChunkDuration: 50 * time.Millisecond, Endpoint: wsURL(srv)}
	require.NoError(t, ctrl.Start(context.Background(), cfg))
	require.NoError(t, ctrl.Start(context.Background(), cfg))

	assert.Equal(t, StateLive, ctrl.State())
	assert.Equal(t, 1, first.releaseCount(), "old session fully torn down before the new one")
	assert.Zero(t, second.releaseCount())

	ctrl.Stop("test")
	assert.Equal(t, 1, second.releaseCount())
}

func TestCaptureFailureStopsSession(t *testing.T) {
	srv := subtitleServer(t, "x")
	defer srv.Close()

	cap := newFakeCapability()
	ctrl, st, _, rec := newTestController(acquireSequence(cap))

	require.NoError(t, ctrl.Start(context.Background(), Config{
		ChunkDuration: 50 * time.Millisecond,
		Endpoint:      wsURL(srv),
	}))

	// The audio source dying is fatal to the session.
	close(cap.blocks)

	require.Eventually(t, func() bool {
		return ctrl.State() == StateIdle
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, cap.releaseCount())

	running, _ := st.Running(context.Background())
	assert.False(t, running)
	assert.True(t, rec.sawErrorState())
}

func TestUpdateDisplayPersists(t *testing.T) {
	ctrl, st, _, _ := newTestController(acquireSequence())

	cfg := caption.DisplayConfig{FontSizePx: 42, Position: caption.PositionCenter}
	ctrl.UpdateDisplay(cfg)

	saved, ok, err := st.Display(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cfg, saved)
}

func TestEndpointForAppendsModelHint(t *testing.T) {
	assert.Equal(t, "ws://h/ws", endpointFor(Config{Endpoint: "ws://h/ws"}))
	assert.Equal(t, "ws://h/ws?model=small",
		endpointFor(Config{Endpoint: "ws://h/ws", ModelHint: "small"}))
	assert.Equal(t, "ws://h/ws?a=b&model=small",
		endpointFor(Config{Endpoint: "ws://h/ws?a=b", ModelHint: "small"}))
}
