package caption

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// MinDisplayTime is the floor for how long any caption stays on screen.
	MinDisplayTime = 2500 * time.Millisecond
	// PerRuneTime extends the display time for longer captions.
	PerRuneTime = 55 * time.Millisecond
)

type Position string

const (
	PositionBottom Position = "bottom"
	PositionTop    Position = "top"
	PositionCenter Position = "center"
)

// DisplayConfig controls how captions are presented. It has no effect on
// capture or transport.
type DisplayConfig struct {
	FontSizePx int
	Position   Position
}

func DefaultDisplay() DisplayConfig {
	return DisplayConfig{FontSizePx: 24, Position: PositionBottom}
}

// Presenter is the surface captions are drawn on.
type Presenter interface {
	ShowCaption(text string)
	ClearCaption()
	ApplyDisplay(cfg DisplayConfig)
}

// Timer is the cancellable handle returned by a Clock.
type Timer interface {
	Stop() bool
}

// Clock schedules deferred work. The real implementation delegates to
// time.AfterFunc; tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Renderer owns the presentation timer for the caption currently on screen.
// A new caption always preempts the previous one; there is no queue.
type Renderer struct {
	log   *log.Logger
	clock Clock

	mu        sync.Mutex
	presenter Presenter
	timer     Timer
	timerGen  uint64
	display   DisplayConfig
}

func NewRenderer(logger *log.Logger, clock Clock) *Renderer {
	if clock == nil {
		clock = realClock{}
	}
	return &Renderer{
		log:     logger,
		clock:   clock,
		display: DefaultDisplay(),
	}
}

// Attach binds the renderer to its presentation surface. Attaching is
// idempotent: only the first presenter for a renderer lifetime wins.
func (r *Renderer) Attach(p Presenter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presenter != nil {
		r.log.Debug("renderer already attached, ignoring")
		return
	}
	r.presenter = p
	p.ApplyDisplay(r.display)
}

// DisplayTime computes how long a caption stays visible. Length is measured
// in runes so multibyte scripts get the same reading time per glyph.
func DisplayTime(text string) time.Duration {
	d := time.Duration(len([]rune(text))) * PerRuneTime
	if d < MinDisplayTime {
		return MinDisplayTime
	}
	return d
}

// Show replaces the current caption and restarts its presentation timer.
// Whitespace-only text is dropped.
func (r *Renderer) Show(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presenter == nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	// Stop can lose the race against a timer that already fired: its callback
	// may be parked on the mutex right now. The generation captured here lets
	// expire recognize that callback as superseded.
	r.timerGen++
	gen := r.timerGen
	r.presenter.ShowCaption(text)
	r.timer = r.clock.AfterFunc(DisplayTime(text), func() { r.expire(gen) })
}

func (r *Renderer) expire(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.timerGen {
		return
	}
	r.timer = nil
	if r.presenter != nil {
		r.presenter.ClearCaption()
	}
}

// Clear cancels the presentation timer and blanks the caption immediately.
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
	if r.presenter != nil {
		r.presenter.ClearCaption()
	}
}

// SetDisplay applies new display settings immediately. The remaining time of
// the caption currently shown is unaffected.
func (r *Renderer) SetDisplay(cfg DisplayConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.display = cfg
	if r.presenter != nil {
		r.presenter.ApplyDisplay(cfg)
	}
}

// Display returns the renderer's current display settings.
func (r *Renderer) Display() DisplayConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.display
}
