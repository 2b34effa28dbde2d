package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	// ConnectTimeout bounds a single connection attempt. An attempt that has
	// not reached Open within it is aborted and treated as ErrConnectTimeout.
	ConnectTimeout = 7 * time.Second

	backoffBase = 2 * time.Second
	backoffCap  = 12 * time.Second
)

// ErrConnectTimeout reports a connection attempt that did not open in time.
var ErrConnectTimeout = errors.New("connect timeout")

// Backoff returns the reconnect delay for the given attempt number:
// min(2000ms * 2^attempt, 12000ms).
func Backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	d := backoffBase << uint(attempt)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// Status is the lifecycle state of the channel.
type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	default:
		return "closed"
	}
}

// ChunkMeta is the text frame preceding each binary segment frame.
type ChunkMeta struct {
	Event    string  `json:"event"`
	Index    int     `json:"index"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	MimeType string  `json:"mimeType"`
}

// Subtitle is a caption produced by the remote service. Start and End share
// the segment timeline; ReceivedAt is local wall clock, for latency
// measurement only, never ordering.
type Subtitle struct {
	Text       string
	Start      float64
	End        float64
	ReceivedAt time.Time
}

// Events is how the channel reports to its owner. Calls arrive from the
// channel's own goroutines.
type Events interface {
	ChannelOpened()
	ChannelRetrying(attempt int, delay time.Duration, cause error)
	Subtitle(sub Subtitle)
	RemoteError(message string)
}

type inboundMessage struct {
	Event   string  `json:"event"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Message string  `json:"message"`
	Index   int     `json:"index"`
}

// Channel owns one logical duplex connection to the remote service. The
// socket is replaced wholesale on reconnect; the old handle is never reused.
type Channel struct {
	log    *log.Logger
	events Events
	// live reports whether the owning session still wants the connection.
	// Checked when a backoff timer fires, not only at schedule time, since a
	// stop can race the timer.
	live func() bool

	// dial is swapped out in tests.
	dial func(ctx context.Context, endpoint string) (*websocket.Conn, error)

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	attempt   int
	endpoint  string
	closed    bool
	reconnect *time.Timer
}

func New(logger *log.Logger, events Events, live func() bool) *Channel {
	c := &Channel{
		log:    logger,
		events: events,
		live:   live,
		status: StatusClosed,
	}
	c.dial = c.dialWebsocket
	return c
}

func (c *Channel) dialWebsocket(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, endpoint, nil)
	return conn, err
}

// Open establishes the initial connection. Failure here is fatal to starting
// a session; later disconnects are handled internally with backoff.
func (c *Channel) Open(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	c.endpoint = endpoint
	c.closed = false
	c.attempt = 0
	c.status = StatusConnecting
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		// No retry is scheduled for a failed initial open, so settle back to
		// Closed instead of reporting Connecting forever.
		c.mu.Lock()
		if c.status == StatusConnecting {
			c.status = StatusClosed
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("open %s: %w", endpoint, ErrConnectTimeout)
		}
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return fmt.Errorf("open %s: %w", endpoint, ErrConnectTimeout)
		}
		return fmt.Errorf("open %s: %w", endpoint, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.New("channel closed during connect")
	}
	c.conn = conn
	c.status = StatusOpen
	c.attempt = 0
	c.mu.Unlock()

	c.log.Info("channel open", "endpoint", endpoint)
	c.events.ChannelOpened()
	go c.readLoop(conn)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Channel) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("discarding malformed message", "error", err)
		return
	}
	switch msg.Event {
	case "subtitle":
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		c.events.Subtitle(Subtitle{
			Text:       text,
			Start:      msg.Start,
			End:        msg.End,
			ReceivedAt: time.Now(),
		})
	case "ack":
		c.log.Debug("chunk acknowledged", "index", msg.Index)
	case "error":
		c.events.RemoteError(msg.Message)
	default:
		c.log.Debug("discarding unknown event", "event", msg.Event)
	}
}

// handleClosed reacts to an unexpected close of the given socket. Closes of
// stale sockets and deliberate shutdowns are ignored.
func (c *Channel) handleClosed(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.status = StatusConnecting
	c.mu.Unlock()

	if !c.live() {
		return
	}
	c.scheduleReconnect(cause)
}

func (c *Channel) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	attempt := c.attempt
	c.attempt++
	delay := Backoff(attempt)
	c.reconnect = time.AfterFunc(delay, c.retry)
	c.mu.Unlock()

	c.log.Warn("channel lost, scheduling reconnect",
		"attempt", attempt, "delay", delay, "cause", cause)
	c.events.ChannelRetrying(attempt, delay, cause)
}

func (c *Channel) retry() {
	c.mu.Lock()
	c.reconnect = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// The session may have stopped while the timer was pending.
	if !c.live() {
		c.log.Debug("session no longer running, dropping reconnect")
		return
	}

	if err := c.connect(context.Background()); err != nil {
		c.scheduleReconnect(err)
	}
}

// Send delivers one segment as a metadata text frame immediately followed by
// a binary frame. While the channel is not open, sends are dropped silently:
// live captioning favors latency over completeness.
func (c *Channel) Send(meta ChunkMeta, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusOpen || c.conn == nil {
		c.log.Debug("channel not open, dropping segment", "index", meta.Index)
		return
	}
	meta.Event = "chunk"
	if err := c.conn.WriteJSON(meta); err != nil {
		c.log.Warn("metadata write failed", "index", meta.Index, "error", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		c.log.Warn("payload write failed", "index", meta.Index, "error", err)
	}
}

// Close cancels any pending reconnect and shuts the socket down. Unexpected
// close handling for this instance is disabled afterwards, so a stale timer
// can never reopen a connection after deliberate shutdown.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.status = StatusClosing
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.status = StatusClosed
	c.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		conn.Close()
	}
	c.log.Info("channel closed")
}

// State reports the current lifecycle status and reconnect attempt counter.
func (c *Channel) State() (Status, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.attempt
}
