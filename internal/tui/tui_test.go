package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecap/internal/caption"
	"livecap/internal/session"
)

func sized(t *testing.T) Model {
	t.Helper()
	m := NewModel()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	sm, ok := next.(Model)
	require.True(t, ok)
	return sm
}

func TestCaptionMessagesUpdateView(t *testing.T) {
	m := sized(t)

	next, _ := m.Update(captionMsg("hello there"))
	m = next.(Model)
	assert.Contains(t, m.View(), "hello there")

	next, _ = m.Update(clearMsg{})
	m = next.(Model)
	assert.NotContains(t, m.View(), "hello there")
}

func TestStatusStates(t *testing.T) {
	m := sized(t)

	next, _ := m.Update(statusMsg(session.Status{Text: "transcribing", State: "active"}))
	m = next.(Model)
	view := m.View()
	assert.Contains(t, view, "transcribing")
	assert.Contains(t, view, "●")

	next, _ = m.Update(statusMsg(session.Status{Text: "capture failed", State: "error"}))
	m = next.(Model)
	view = m.View()
	assert.Contains(t, view, "capture failed")
	assert.Contains(t, view, "✗")
}

func TestCaptionPositioning(t *testing.T) {
	m := sized(t)
	next, _ := m.Update(captionMsg("line"))
	m = next.(Model)

	lineIndex := func(m Model) int {
		for i, line := range strings.Split(m.View(), "\n") {
			if strings.Contains(line, "line") {
				return i
			}
		}
		return -1
	}

	bottom := lineIndex(m)
	require.GreaterOrEqual(t, bottom, 0)

	next, _ = m.Update(displayMsg(caption.DisplayConfig{FontSizePx: 24, Position: caption.PositionTop}))
	m = next.(Model)
	top := lineIndex(m)
	require.GreaterOrEqual(t, top, 0)

	assert.Less(t, top, bottom, "top placement renders above bottom placement")
}

func TestQuitKeys(t *testing.T) {
	m := sized(t)
	keys := []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	}
	for _, key := range keys {
		_, cmd := m.Update(key)
		require.NotNil(t, cmd, "key %q quits", key.String())
		assert.Equal(t, tea.Quit(), cmd())
	}
}

func TestViewBeforeFirstResize(t *testing.T) {
	m := NewModel()
	assert.Contains(t, m.View(), "starting")
}
