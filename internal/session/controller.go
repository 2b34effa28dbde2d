package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"livecap/internal/caption"
	"livecap/internal/capture"
	"livecap/internal/segment"
	"livecap/internal/store"
	"livecap/internal/transport"
)

// State is the controller's position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateCapturingReady
	StateLive
	StateStopping
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateCapturingReady:
		return "capturing-ready"
	case StateLive:
		return "live"
	case StateStopping:
		return "stopping"
	default:
		return "errored"
	}
}

// ErrSuperseded means a newer start or stop overtook the one in flight.
var ErrSuperseded = errors.New("session superseded")

// Config is everything a capture session needs to start.
type Config struct {
	ChunkDuration time.Duration
	Endpoint      string
	ModelHint     string
	Display       caption.DisplayConfig
}

// Status is the single channel by which observers learn of progress. State is
// one of "", "active", "error".
type Status struct {
	Text  string
	State string
}

// Observer receives status and preview notifications. Calls may arrive from
// controller goroutines.
type Observer interface {
	StatusUpdate(status Status)
	SubtitlePreview(text string)
}

// AcquireFunc obtains the capability handle a session will exclusively own.
type AcquireFunc func(ctx context.Context, cfg Config) (capture.Capability, error)

// Controller is the sole authority on whether a session is running. At most
// one session is active per controller; starting while active tears the old
// session down first.
//
// Every asynchronous completion carries the epoch observed when it was
// scheduled; completions whose epoch has been overtaken are discarded instead
// of mutating current state.
type Controller struct {
	log      *log.Logger
	store    store.Store
	renderer *caption.Renderer
	acquire  AcquireFunc
	install  func() error

	mu         sync.Mutex
	state      State
	epoch      uint64
	sessionID  string
	startedAt  time.Time
	cancel     context.CancelFunc
	channel    *transport.Channel
	segmenter  *segment.Segmenter
	capability capture.Capability
	observers  []Observer
}

func New(
	logger *log.Logger,
	st store.Store,
	renderer *caption.Renderer,
	acquire AcquireFunc,
) *Controller {
	return &Controller{
		log:      logger,
		store:    st,
		renderer: renderer,
		acquire:  acquire,
	}
}

// OnInstall registers a best-effort hook run while starting, before the
// transport opens. Its failure is logged once and never fails the start.
func (c *Controller) OnInstall(f func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.install = f
}

func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Start acquires a capability, opens the transport, and brings the segmenter
// up. It returns once the session is live or has failed. An active session is
// stopped first.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 5 * time.Second
	}
	if cfg.Display.FontSizePx == 0 {
		cfg.Display = caption.DefaultDisplay()
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		c.Stop("restart")
		c.mu.Lock()
	}
	c.epoch++
	epoch := c.epoch
	sctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateAcquiring
	c.sessionID = uuid.New().String()
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.notify(Status{Text: "acquiring audio"})

	capability, err := c.acquire(ctx, cfg)
	if err != nil {
		return c.fail(epoch, fmt.Errorf("acquire capability: %w", err))
	}
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		capability.Release()
		return ErrSuperseded
	}
	c.capability = capability
	install := c.install
	c.mu.Unlock()

	if install != nil {
		if err := install(); err != nil {
			c.log.Warn("renderer install failed, captions may not show", "error", err)
		}
	}

	ch := transport.New(
		c.log,
		&channelEvents{c: c, epoch: epoch},
		func() bool { return c.liveAt(epoch) },
	)
	if err := ch.Open(ctx, endpointFor(cfg)); err != nil {
		return c.fail(epoch, err)
	}
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		ch.Close()
		return ErrSuperseded
	}
	c.channel = ch
	c.state = StateCapturingReady
	c.mu.Unlock()

	// Successful segmenter start is the capturer's acknowledgment that
	// capture is running; without it the start is fatal.
	seg := segment.New(c.log)
	segments, captureErrs, err := seg.Start(sctx, capability, cfg.ChunkDuration)
	if err != nil {
		return c.fail(epoch, fmt.Errorf("start capture: %w", err))
	}
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		seg.Stop()
		ch.Close()
		return ErrSuperseded
	}
	c.segmenter = seg
	c.capability = nil // the segmenter owns the handle now
	c.state = StateLive
	c.mu.Unlock()

	if err := c.store.SetRunning(context.Background(), true); err != nil {
		c.log.Warn("persist running flag", "error", err)
	}
	if err := c.store.SaveDisplay(context.Background(), cfg.Display); err != nil {
		c.log.Warn("persist display settings", "error", err)
	}
	c.renderer.SetDisplay(cfg.Display)

	c.log.Info("session live",
		"session", c.SessionID(), "chunk", cfg.ChunkDuration, "endpoint", cfg.Endpoint)
	c.notify(Status{Text: "transcribing", State: "active"})

	go c.pump(epoch, ch, segments, captureErrs)
	return nil
}

// pump forwards segments to the channel and reacts to capture errors.
func (c *Controller) pump(
	epoch uint64,
	ch *transport.Channel,
	segments <-chan segment.Segment,
	captureErrs <-chan error,
) {
	for segments != nil || captureErrs != nil {
		select {
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			ch.Send(transport.ChunkMeta{
				Index:    seg.Index,
				Start:    seg.Start,
				End:      seg.End,
				MimeType: seg.MimeType,
			}, seg.Payload)

		case err, ok := <-captureErrs:
			if !ok {
				captureErrs = nil
				continue
			}
			if errors.Is(err, segment.ErrHeaderNotFound) {
				c.notify(Status{Text: "captions may be unreliable: sending raw audio"})
				continue
			}
			c.fail(epoch, fmt.Errorf("capture: %w", err))
			return
		}
	}
}

// fail transitions to Errored and then back to Idle via an automatic stop.
// Stale failures are reported to the caller but do not touch current state.
func (c *Controller) fail(epoch uint64, err error) error {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return err
	}
	c.state = StateErrored
	c.mu.Unlock()

	c.log.Error("session failed", "error", err)
	c.notify(Status{Text: err.Error(), State: "error"})
	c.Stop("error")
	return err
}

// Stop tears the session down: durable flag cleared, reconnects canceled,
// capture released, channel closed, captions cleared. Idempotent and safe to
// call from Idle.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.epoch++ // pending completions and reconnect timers are now stale
	c.startedAt = time.Time{}
	ch := c.channel
	seg := c.segmenter
	capability := c.capability
	cancel := c.cancel
	c.channel = nil
	c.segmenter = nil
	c.capability = nil
	c.cancel = nil
	c.mu.Unlock()

	if err := c.store.SetRunning(context.Background(), false); err != nil {
		c.log.Warn("clear running flag", "error", err)
	}
	if seg != nil {
		seg.Stop()
	}
	if capability != nil {
		capability.Release()
	}
	if ch != nil {
		ch.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.renderer.Clear()

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	c.log.Info("session stopped", "reason", reason)
	c.notify(Status{Text: "stopped"})
}

// UpdateDisplay applies and persists new display settings. It has no effect
// on capture or transport.
func (c *Controller) UpdateDisplay(cfg caption.DisplayConfig) {
	c.renderer.SetDisplay(cfg)
	if err := c.store.SaveDisplay(context.Background(), cfg); err != nil {
		c.log.Warn("persist display settings", "error", err)
	}
}

// liveAt reports whether the session with the given epoch is still logically
// running. The transport consults this when a backoff timer fires.
func (c *Controller) liveAt(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	return c.state == StateLive || c.state == StateCapturingReady
}

func (c *Controller) epochCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Running() bool {
	return c.State() == StateLive
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// StartedAt reports when the current session began. Zero when no session is
// running.
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

func (c *Controller) notify(status Status) {
	c.mu.Lock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, o := range observers {
		o.StatusUpdate(status)
	}
}

func (c *Controller) notifyPreview(text string) {
	c.mu.Lock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, o := range observers {
		o.SubtitlePreview(text)
	}
}

// channelEvents relays transport events into the controller, dropping any
// that arrive for a superseded session.
type channelEvents struct {
	c     *Controller
	epoch uint64
}

func (e *channelEvents) ChannelOpened() {
	c := e.c
	c.mu.Lock()
	current := e.epoch == c.epoch
	live := c.state == StateLive
	c.mu.Unlock()
	if !current {
		return
	}
	if live {
		c.notify(Status{Text: "reconnected", State: "active"})
	} else {
		c.notify(Status{Text: "connected"})
	}
}

func (e *channelEvents) ChannelRetrying(attempt int, delay time.Duration, cause error) {
	if !e.c.epochCurrent(e.epoch) {
		return
	}
	e.c.notify(Status{
		Text: fmt.Sprintf("connection lost, retrying in %.0fs", delay.Seconds()),
	})
}

func (e *channelEvents) Subtitle(sub transport.Subtitle) {
	c := e.c
	c.mu.Lock()
	current := e.epoch == c.epoch
	sessionID := c.sessionID
	c.mu.Unlock()
	if !current {
		return
	}

	c.renderer.Show(sub.Text)
	c.notifyPreview(sub.Text)

	ctx := context.Background()
	if err := c.store.SaveLastSubtitle(ctx, sub.Text); err != nil {
		c.log.Warn("persist last subtitle", "error", err)
	}
	err := c.store.AppendSubtitle(ctx, store.SubtitleRecord{
		SessionID:  sessionID,
		Text:       sub.Text,
		Start:      sub.Start,
		End:        sub.End,
		ReceivedAt: sub.ReceivedAt,
	})
	if err != nil {
		c.log.Warn("archive subtitle", "error", err)
	}
}

func (e *channelEvents) RemoteError(message string) {
	if !e.c.epochCurrent(e.epoch) {
		return
	}
	e.c.log.Warn("remote service error", "message", message)
	e.c.notify(Status{Text: "service: " + message, State: "error"})
}

// endpointFor appends the model hint for the remote service to pick up.
func endpointFor(cfg Config) string {
	if cfg.ModelHint == "" {
		return cfg.Endpoint
	}
	sep := "?"
	if strings.Contains(cfg.Endpoint, "?") {
		sep = "&"
	}
	return cfg.Endpoint + sep + "model=" + url.QueryEscape(cfg.ModelHint)
}
