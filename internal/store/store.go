package store

import (
	"context"
	"time"

	"livecap/internal/caption"
)

// SubtitleRecord is one archived caption line.
type SubtitleRecord struct {
	SessionID  string
	Text       string
	Start      float64
	End        float64
	ReceivedAt time.Time
}

// SessionInfo summarizes one archived capture session.
type SessionInfo struct {
	ID            string
	StartedAt     time.Time
	SubtitleCount int
}

// Store persists the durable running flag, UI restoration hints, and the
// subtitle archive. It is a recovery hint for the UI layer only: the
// controller's in-memory state machine stays authoritative while the process
// is alive.
type Store interface {
	SetRunning(ctx context.Context, running bool) error
	Running(ctx context.Context) (bool, error)

	SaveDisplay(ctx context.Context, cfg caption.DisplayConfig) error
	Display(ctx context.Context) (caption.DisplayConfig, bool, error)

	SaveLastSubtitle(ctx context.Context, text string) error
	LastSubtitle(ctx context.Context) (string, error)

	AppendSubtitle(ctx context.Context, rec SubtitleRecord) error
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	Subtitles(ctx context.Context, sessionID string) ([]SubtitleRecord, error)

	Close(ctx context.Context) error
}
