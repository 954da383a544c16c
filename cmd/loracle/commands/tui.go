package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/loracle-dev/loracle/pkg/orchestrator"
	"github.com/loracle-dev/loracle/pkg/provision/docker"
	"github.com/loracle-dev/loracle/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	messageStyle = lipgloss.NewStyle().PaddingLeft(2)

	stateStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	noticeStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true).Padding(0, 1)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

type screen int

const (
	screenMenu screen = iota
	screenSelectingSession
	screenChatting
	screenConfirmExit
)

type errMsg struct{ err error }
type updateMsg orchestrator.Update
type storeChangedMsg string
type sessionsMsg []store.SessionPreview

// chatModel is the console. All conversation state lives in the orchestrator;
// the model only renders its snapshots.
type chatModel struct {
	ctx         context.Context
	orch        *orchestrator.Orchestrator
	store       store.Store
	provisioner *docker.Manager
	updates     <-chan orchestrator.Update
	changes     <-chan string

	screen     screen
	sessions   []store.SessionPreview
	cursor     int
	listOffset int
	width      int
	height     int
	err        error
	notice     string

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, orch *orchestrator.Orchestrator, st store.Store, provisioner *docker.Manager) chatModel {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	updates, _ := orch.Subscribe()

	m := chatModel{
		ctx:         ctx,
		orch:        orch,
		store:       st,
		provisioner: provisioner,
		updates:     updates,
		changes:     st.Subscribe(),
		screen:      screenMenu,
		viewport:    vp,
		textarea:    ta,
		renderer:    newRenderer(80),
	}
	if orch.CurrentSession() != "" {
		m.screen = screenChatting
		m.viewport.SetContent(m.renderMessages())
	}
	return m
}

// newRenderer uses the "light" style to avoid terminal queries that leak into input.
func newRenderer(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		slog.Warn("Failed to create renderer", "error", err)
		return nil
	}
	return r
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		waitForUpdate(m.updates),
		waitForChange(m.changes),
		m.loadSessions(),
	)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the textarea while chatting so menu selection does not leak into it.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.screen == screenChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 4 // Header, notice, margins
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		m.renderer = newRenderer(m.width - 4)
		m.clampList()
		if m.screen == screenChatting {
			m.viewport.SetContent(m.renderMessages())
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.screen == screenConfirmExit {
				m.screen = screenChatting
				return m, nil
			}
			if m.provisioner != nil {
				m.screen = screenConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.screen {
			case screenMenu:
				if m.cursor == 0 {
					return m.enterChat(), nil
				}
				if len(m.sessions) == 0 {
					m.err = fmt.Errorf("no existing sessions found")
					return m, nil
				}
				m.screen = screenSelectingSession
				m.cursor = 0
				m.listOffset = 0
			case screenSelectingSession:
				if m.cursor >= len(m.sessions) {
					return m, nil
				}
				return m, m.selectSession(m.sessions[m.cursor].SessionID)
			case screenChatting:
				m.err = nil // Clear error on new message
				return m.sendMessage()
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			var maxCursor int
			switch m.screen {
			case screenMenu:
				maxCursor = 1 // 2 options
			case screenSelectingSession:
				maxCursor = len(m.sessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				m.clampList()
			}
		default:
			if m.screen == screenConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Sequence(m.stopOllamaCmd(), tea.Quit)
				case "n", "N":
					// Leave it running
					return m, tea.Quit
				}
			}
		}

	case updateMsg:
		m = m.applyUpdate(orchestrator.Update(msg))
		cmds = append(cmds, waitForUpdate(m.updates))

	case storeChangedMsg:
		cmds = append(cmds, m.loadSessions(), waitForChange(m.changes))

	case sessionsMsg:
		m.sessions = msg
		if m.cursor >= len(m.sessions) && m.screen == screenSelectingSession {
			m.cursor = max(len(m.sessions)-1, 0)
		}

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m chatModel) applyUpdate(u orchestrator.Update) chatModel {
	slog.Debug("Console received update", "kind", u.Kind, "state", u.State)
	switch u.Kind {
	case orchestrator.UpdateSession, orchestrator.UpdateMessage, orchestrator.UpdateToken:
		if u.Kind == orchestrator.UpdateSession && u.SessionID != "" {
			m.screen = screenChatting
		}
		m.viewport.SetContent(m.renderMessages())
		m.viewport.GotoBottom()
	case orchestrator.UpdateNotice:
		m.notice = u.Text
	case orchestrator.UpdateError:
		m.err = fmt.Errorf("%s", u.Text)
	case orchestrator.UpdateState:
		if u.State == orchestrator.StateCapturing {
			m.notice = "listening..."
		} else if m.notice == "listening..." {
			m.notice = ""
		}
	}
	return m
}

func (m *chatModel) clampList() {
	maxViewable := max(m.height-7, 1)
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

func (m chatModel) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.screen {
	case screenMenu:
		header := titleStyle.Render("Main Menu")
		options := []string{"New Session", "Continue Session"}
		return lipgloss.JoinVertical(lipgloss.Left, header, "", m.renderList(options), "", "Press Enter to select, Esc to quit.", errorView)

	case screenSelectingSession:
		header := titleStyle.Render("Select Session")
		lines := make([]string, len(m.sessions))
		for i, p := range m.sessions {
			lines[i] = fmt.Sprintf("%s  %s  %s", p.LastTimestamp.Format(time.RFC822), p.Title, truncate(p.LastMessage, 40))
		}
		return lipgloss.JoinVertical(lipgloss.Left, header, "", m.renderList(lines), "", "Press Enter to select, Esc to quit.", errorView)

	case screenConfirmExit:
		header := titleStyle.Render("Confirm Exit")
		return lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			"",
			"Stop the Ollama container? (y/n)",
			"Downloaded models are kept in the volume.",
			errorView,
		)
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render("loracle"),
		stateStyle.Render(m.orch.State().String()),
	)
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		"",
		m.viewport.View(),
		noticeStyle.Render(m.notice),
		errorView,
		m.textarea.View(),
	)
}

func (m chatModel) renderList(items []string) string {
	maxViewable := max(m.height-7, 1)
	start := m.listOffset
	end := min(start+maxViewable, len(items))

	var optionsView []string
	for i := start; i < end; i++ {
		choice := items[i]
		cursor := " "
		if m.cursor == i {
			cursor = ">"
			choice = selectedItemStyle.Render(choice)
		}
		optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
	}
	return lipgloss.JoinVertical(lipgloss.Left, optionsView...)
}

func (m chatModel) renderMessages() string {
	var sb strings.Builder
	for _, msg := range m.orch.Messages() {
		if msg.IsUser {
			sb.WriteString(userStyle.Render("User: "))
		} else {
			sb.WriteString(senderStyle.Render("AI: "))
		}
		sb.WriteString("\n")

		content := msg.Text
		if m.renderer != nil {
			if rendered, err := m.renderer.Render(msg.Text); err == nil {
				content = rendered
			}
		} else {
			content = messageStyle.Render(content)
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "Say something, or type /listen to talk."
	}
	return sb.String()
}

// Actions

func (m chatModel) enterChat() chatModel {
	m.screen = screenChatting
	m.textarea.Placeholder = "Type a message, /listen, /new, /sessions, /delete or /exit"
	m.textarea.Focus()
	m.viewport.SetContent(m.renderMessages())
	return m
}

func (m chatModel) selectSession(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.orch.SwitchSession(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m chatModel) sendMessage() (chatModel, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	m.textarea.Reset()
	m.notice = ""

	switch v {
	case "/exit":
		if m.provisioner != nil {
			m.screen = screenConfirmExit
			return m, nil
		}
		return m, tea.Quit
	case "/listen":
		return m, func() tea.Msg {
			if err := m.orch.Listen(m.ctx); err != nil {
				return errMsg{err}
			}
			return nil
		}
	case "/new":
		return m, func() tea.Msg {
			if err := m.orch.CloseSession(m.ctx); err != nil {
				return errMsg{err}
			}
			return nil
		}
	case "/sessions":
		m.screen = screenSelectingSession
		m.cursor = 0
		m.listOffset = 0
		return m, m.loadSessions()
	case "/delete":
		id := m.orch.CurrentSession()
		if id == "" {
			return m, nil
		}
		return m, func() tea.Msg {
			if err := m.orch.DeleteSession(m.ctx, id); err != nil {
				return errMsg{err}
			}
			return nil
		}
	}

	// The orchestrator publishes the persisted message and the reply as updates.
	return m, func() tea.Msg {
		if err := m.orch.Submit(m.ctx, v); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m chatModel) loadSessions() tea.Cmd {
	return func() tea.Msg {
		previews, err := m.store.ListPreviews(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return sessionsMsg(previews)
	}
}

func (m chatModel) stopOllamaCmd() tea.Cmd {
	return func() tea.Msg {
		if m.provisioner != nil {
			if err := m.provisioner.Stop(m.ctx); err != nil {
				slog.Error("Failed to stop Ollama container", "error", err)
			}
		}
		return nil
	}
}

func waitForUpdate(sub <-chan orchestrator.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-sub
		if !ok {
			return nil
		}
		return updateMsg(u)
	}
}

func waitForChange(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return storeChangedMsg(id)
	}
}
