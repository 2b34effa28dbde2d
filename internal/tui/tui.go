package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"livecap/internal/caption"
	"livecap/internal/session"
)

type captionMsg string
type clearMsg struct{}
type displayMsg caption.DisplayConfig
type statusMsg session.Status

var (
	statusNeutralStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusActiveStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#25A065"))
	statusErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
)

// Model is the terminal caption overlay: one status line plus the caption
// currently on screen, positioned per the display settings.
type Model struct {
	caption string
	display caption.DisplayConfig
	status  session.Status
	spin    spinner.Model
	width   int
	height  int
}

func NewModel() Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		display: caption.DefaultDisplay(),
		status:  session.Status{Text: "starting"},
		spin:    sp,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case captionMsg:
		m.caption = string(msg)

	case clearMsg:
		m.caption = ""

	case displayMsg:
		m.display = caption.DisplayConfig(msg)

	case statusMsg:
		m.status = session.Status(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "\n  starting..."
	}
	body := lipgloss.Place(
		m.width,
		m.height-1,
		lipgloss.Center,
		m.verticalAlign(),
		m.captionView(),
	)
	return m.statusView() + "\n" + body
}

func (m Model) statusView() string {
	switch m.status.State {
	case "active":
		return statusActiveStyle.Render("● " + m.status.Text)
	case "error":
		return statusErrorStyle.Render("✗ " + m.status.Text)
	default:
		return statusNeutralStyle.Render(m.spin.View() + m.status.Text)
	}
}

func (m Model) captionView() string {
	if m.caption == "" {
		return ""
	}
	// Terminal cells have no font size; larger px settings widen the caption
	// box and its padding instead.
	pad := m.display.FontSizePx / 12
	if pad < 1 {
		pad = 1
	}
	width := m.width - 2*pad
	if width < 10 {
		width = 10
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFDF5")).
		Background(lipgloss.Color("235")).
		Padding(0, pad).
		MaxWidth(width).
		Render(m.caption)
}

func (m Model) verticalAlign() lipgloss.Position {
	switch m.display.Position {
	case caption.PositionTop:
		return lipgloss.Top
	case caption.PositionCenter:
		return lipgloss.Center
	default:
		return lipgloss.Bottom
	}
}

// UI runs the overlay program and adapts it to the renderer and controller.
// It implements caption.Presenter and session.Observer.
type UI struct {
	prog *tea.Program
}

func New() *UI {
	return &UI{prog: tea.NewProgram(NewModel(), tea.WithAltScreen())}
}

// Run blocks until the user quits or Quit is called.
func (u *UI) Run() error {
	_, err := u.prog.Run()
	return err
}

func (u *UI) Quit() { u.prog.Quit() }

func (u *UI) ShowCaption(text string) { u.prog.Send(captionMsg(text)) }
func (u *UI) ClearCaption()           { u.prog.Send(clearMsg{}) }

func (u *UI) ApplyDisplay(cfg caption.DisplayConfig) {
	u.prog.Send(displayMsg(cfg))
}

func (u *UI) StatusUpdate(status session.Status) {
	u.prog.Send(statusMsg(status))
}

// SubtitlePreview is already covered by the caption itself in the terminal.
func (u *UI) SubtitlePreview(string) {}
