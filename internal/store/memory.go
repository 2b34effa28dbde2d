package store

import (
	"context"
	"sort"
	"sync"

	"livecap/internal/caption"
)

// Memory is the in-process Store used by default and in tests.
type Memory struct {
	mu           sync.Mutex
	running      bool
	display      caption.DisplayConfig
	hasDisplay   bool
	lastSubtitle string
	subtitles    map[string][]SubtitleRecord
}

func NewMemory() *Memory {
	return &Memory{subtitles: make(map[string][]SubtitleRecord)}
}

func (m *Memory) SetRunning(_ context.Context, running bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
	return nil
}

func (m *Memory) Running(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, nil
}

func (m *Memory) SaveDisplay(_ context.Context, cfg caption.DisplayConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.display = cfg
	m.hasDisplay = true
	return nil
}

func (m *Memory) Display(_ context.Context) (caption.DisplayConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display, m.hasDisplay, nil
}

func (m *Memory) SaveLastSubtitle(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSubtitle = text
	return nil
}

func (m *Memory) LastSubtitle(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSubtitle, nil
}

func (m *Memory) AppendSubtitle(_ context.Context, rec SubtitleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subtitles[rec.SessionID] = append(m.subtitles[rec.SessionID], rec)
	return nil
}

func (m *Memory) ListSessions(_ context.Context) ([]SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]SessionInfo, 0, len(m.subtitles))
	for id, recs := range m.subtitles {
		info := SessionInfo{ID: id, SubtitleCount: len(recs)}
		if len(recs) > 0 {
			info.StartedAt = recs[0].ReceivedAt
		}
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (m *Memory) Subtitles(_ context.Context, sessionID string) ([]SubtitleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.subtitles[sessionID]
	out := make([]SubtitleRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *Memory) Close(context.Context) error { return nil }
