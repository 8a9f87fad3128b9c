package console

import (
	"context"
	"fmt"
	"strings"

	"chatflow/pkg/bus"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const wheelStep = 3

type role int

const (
	roleUser role = iota
	roleBot
	roleInfo
	roleError
)

type transcriptLine struct {
	role    role
	content string
}

type replyMsg struct {
	message bus.OutboundMessage
	ok      bool
}

type eventMsg struct {
	event bus.Event
	ok    bool
}

type model struct {
	ctx     context.Context
	session Session

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	lines     []transcriptLine
	width     int
	height    int
	isReady   bool
	waiting   bool
	followLog bool
	lastErr   string

	state   string
	binding string
	turns   int
}

func newModel(ctx context.Context, session Session) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Say something, or !data to press a button..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		session:   session,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitReply(m.session.Replies), waitEvent(m.session.Events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m, m.submit()
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}
	case replyMsg:
		if !typed.ok {
			return m, nil
		}
		m.lines = append(m.lines, transcriptLine{role: roleBot, content: formatReply(typed.message)})
		m.refreshViewport(false)
		return m, waitReply(m.session.Replies)
	case eventMsg:
		if !typed.ok {
			return m, nil
		}
		m.applyEvent(typed.event)
		return m, waitEvent(m.session.Events)
	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if isExitCommand(text) {
		return tea.Quit
	}

	m.input.SetValue("")
	m.followLog = true
	m.lines = append(m.lines, transcriptLine{role: roleUser, content: text})

	if !m.session.Submit(m.ctx, text) {
		m.lastErr = "bot is not accepting messages"
		m.lines = append(m.lines, transcriptLine{role: roleError, content: m.lastErr})
		m.refreshViewport(true)
		return nil
	}

	m.lastErr = ""
	m.refreshViewport(true)
	if m.session.Events == nil {
		return nil
	}
	m.waiting = true
	return m.spinner.Tick
}

// applyEvent tracks the dispatch outcome for the console user.
func (m *model) applyEvent(event bus.Event) {
	if event.UserID != m.session.UserID {
		return
	}

	switch event.Type {
	case bus.EventDispatchHandled:
		m.waiting = false
		m.turns++
		m.state = event.State
		m.binding = event.Binding
	case bus.EventDispatchDropped:
		m.waiting = false
		m.turns++
		m.binding = ""
		m.lines = append(m.lines, transcriptLine{role: roleInfo, content: "no route matched"})
	case bus.EventDispatchFailed, bus.EventDispatchPersistFailed:
		m.waiting = false
		m.lastErr = event.Error
		m.lines = append(m.lines, transcriptLine{role: roleError, content: fmt.Sprintf("%s: %s", event.Type, event.Error)})
	default:
		return
	}

	m.refreshViewport(false)
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	title := strings.TrimSpace(m.session.BotName)
	if title == "" {
		title = "chatflow"
	}
	header := m.theme.header.Width(m.width - 2).Render("💬 " + title + " console")
	meta := lipgloss.JoinHorizontal(lipgloss.Center,
		m.theme.stateTag.Render(displayState(m.state)),
		" ",
		m.theme.headerMeta.Render(fmt.Sprintf("user:%s · route:%s · turns:%d",
			displayOrNA(m.session.UserID), displayOrNA(m.binding), m.turns)),
	)
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · !data button press · PgUp/PgDn scroll · Ctrl+C/Esc quit")
	if m.waiting {
		status = m.theme.statusBusy.Render(m.spinner.View() + " dispatching...")
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last turn failed")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(40, m.width-6)
	h := max(6, m.height-11)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	sections := make([]string, 0, len(m.lines))
	for _, item := range m.lines {
		content := strings.TrimSpace(item.content)
		switch item.role {
		case roleUser:
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.userTitle.Render("you"),
				m.theme.userBox.Width(m.viewport.Width).Render(content),
			))
		case roleBot:
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.botTitle.Render("bot"),
				m.theme.botBox.Width(m.viewport.Width).Render(content),
			))
		case roleInfo:
			sections = append(sections, m.theme.infoLine.Render("· "+content))
		case roleError:
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.errorTitle.Render("error"),
				m.theme.errorBox.Width(m.viewport.Width).Render(content),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		m.followLog = m.viewport.AtBottom()
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(wheelStep)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(wheelStep)
		m.followLog = m.viewport.AtBottom()
		return true
	default:
		return false
	}
}

func waitReply(replies <-chan bus.OutboundMessage) tea.Cmd {
	if replies == nil {
		return nil
	}

	return func() tea.Msg {
		message, ok := <-replies
		return replyMsg{message: message, ok: ok}
	}
}

func waitEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}

	return func() tea.Msg {
		event, ok := <-events
		return eventMsg{event: event, ok: ok}
	}
}

// formatReply flattens text and media references into one transcript entry.
func formatReply(message bus.OutboundMessage) string {
	parts := make([]string, 0, 1+len(message.Media))
	if text := strings.TrimSpace(message.Text); text != "" {
		parts = append(parts, text)
	}
	for _, media := range message.Media {
		item := fmt.Sprintf("[%s] %s", media.Type, media.Ref)
		if media.Caption != "" {
			item += " " + media.Caption
		}
		parts = append(parts, item)
	}

	return strings.Join(parts, "\n")
}

func displayState(state string) string {
	if state == "" {
		return "state: -"
	}

	return "state: " + state
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
