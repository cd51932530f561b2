// Package tui is a terminal chat client for a chat.Session.
//
// Commands:
//
//	/new              - Start a new conversation
//	/open             - Pick a saved conversation
//	/search <query>   - Pick from conversations matching query
//	/model            - Pick a model for the current capability
//	/cap <capability> - Switch between text, image, video and audio
//	/mode <mode>      - Switch image mode between generate and edit
//	/provider [name]  - Filter models by provider
//	/image <path>     - Attach an image to the next prompt
//	/rename <title>   - Rename the current conversation
//	/delete           - Delete the current conversation
//	/cancel           - Stop the running generation
//	/exit             - Exit the program
//	<message>         - Send a prompt
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/celeste/pkg/chat"
	"github.com/nstogner/celeste/pkg/dispatch"
	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/events"
	"github.com/nstogner/celeste/pkg/store"
)

type state int

const (
	stateChatting state = iota
	stateSelectingModel
	stateSelectingConversation
)

type errMsg struct{ err error }
type statusMsg string
type eventMsg events.Event
type modelsMsg []domain.Model
type conversationsMsg []domain.Conversation

type submitMsg struct {
	res dispatch.Result
	err error
}

// refreshMsg asks for a re-render after a session change.
type refreshMsg struct{}

// Model is the bubbletea model.
type Model struct {
	ctx     context.Context
	session *chat.Session
	updates <-chan events.Event

	// State
	state           state
	generating      bool
	pendingImage    string
	availableModels []domain.Model
	availableConvs  []domain.Conversation
	cursor          int
	listOffset      int
	width           int
	height          int
	status          string
	err             error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
}

// New subscribes to the session's events until ctx is cancelled.
func New(ctx context.Context, session *chat.Session, bus *events.Bus) (Model, error) {
	updates, err := bus.Subscribe(ctx, session.ID())
	if err != nil {
		return Model{}, fmt.Errorf("subscribing to session events: %w", err)
	}

	ta := textarea.New()
	ta.Placeholder = "Send a prompt, or /help..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	// Enter submits.
	ta.KeyMap.InsertNewline.SetEnabled(false)

	vp := viewport.New(80, 20)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = cursorStyle

	m := Model{
		ctx:        ctx,
		session:    session,
		updates:    updates,
		state:      stateChatting,
		generating: session.Generating(),
		viewport:   vp,
		textarea:   ta,
		spinner:    sp,
		renderer:   newRenderer(80),
	}
	m.refresh()
	return m, nil
}

// Run starts the program and blocks until the user exits. Pending changes are
// saved on exit.
func Run(ctx context.Context, session *chat.Session, bus *events.Bus) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m, err := New(ctx, session, bus)
	if err != nil {
		return err
	}
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return err
	}
	session.Cancel()
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	return session.Save(saveCtx)
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForEvent(m.updates))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keep list navigation keys out of the textarea.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
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
		m.viewport.Height = msg.Height - m.textarea.Height() - 4 // Header + Status + Margin
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2
		m.renderer = newRenderer(m.width - 4)
		m.clampList()
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state != stateChatting {
				m.state = stateChatting
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateSelectingModel:
				return m.selectModel()
			case stateSelectingConversation:
				return m.selectConversation()
			case stateChatting:
				m.err = nil
				return m.sendInput()
			}
		case tea.KeyUp:
			if m.state != stateChatting && m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			if m.state != stateChatting && m.cursor < m.listLen()-1 {
				m.cursor++
				m.clampList()
			}
		}

	case eventMsg:
		switch msg.Type {
		case events.Busy:
			if msg.Busy && !m.generating {
				cmds = append(cmds, m.spinner.Tick)
			}
			m.generating = msg.Busy
		case events.Error:
			m.err = errors.New(msg.Error)
		}
		if msg.Type != events.StoreChanged {
			m.refresh()
		}
		cmds = append(cmds, waitForEvent(m.updates))

	case submitMsg:
		if msg.err != nil && !msg.res.Cancelled {
			m.err = msg.err
		}
		if msg.res.Cancelled {
			m.status = "Cancelled."
		}
		m.refresh()

	case modelsMsg:
		if len(msg) == 0 {
			m.err = fmt.Errorf("no models available for %s", m.session.Selections().Get().BackendCapability())
			break
		}
		m.availableModels = msg
		m.enterList(stateSelectingModel)

	case conversationsMsg:
		if len(msg) == 0 {
			m.status = "No saved conversations."
			break
		}
		m.availableConvs = msg
		m.enterList(stateSelectingConversation)

	case spinner.TickMsg:
		if m.generating {
			var spCmd tea.Cmd
			m.spinner, spCmd = m.spinner.Update(msg)
			cmds = append(cmds, spCmd)
		}

	case statusMsg:
		m.status = string(msg)
		m.refresh()

	case refreshMsg:
		m.refresh()

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	}

	switch m.state {
	case stateSelectingModel:
		lines := make([]string, len(m.availableModels))
		for i, mdl := range m.availableModels {
			lines[i] = fmt.Sprintf("%s (%s)", mdl.Name(), mdl.Provider)
		}
		return m.listView("Select Model", lines, errorView)
	case stateSelectingConversation:
		lines := make([]string, len(m.availableConvs))
		for i, c := range m.availableConvs {
			lines[i] = fmt.Sprintf("%s (%s)", c.Title, c.UpdatedAt.Local().Format(time.RFC822))
		}
		return m.listView("Open Conversation", lines, errorView)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(m.title()),
		"",
		m.viewport.View(),
		dimStyle.Render(m.statusLine()),
		errorView,
		m.textarea.View(),
	)
}

func (m Model) listView(title string, lines []string, errorView string) string {
	header := titleStyle.Render(title)

	start := m.listOffset
	end := min(start+m.maxViewable(), len(lines))

	var optionsView []string
	for i := start; i < end; i++ {
		cursor := " "
		line := lines[i]
		if m.cursor == i {
			cursor = ">"
			line = selectedItemStyle.Render(line)
		}
		optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
	}

	list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
	footer := "Press Enter to select, Esc to go back."

	return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)
}

func (m Model) title() string {
	if c, ok := m.session.Conversation(); ok {
		return c.Title
	}
	return domain.DefaultConversationTitle
}

func (m Model) statusLine() string {
	sel := m.session.Selections().Get()
	line := string(sel.Capability)
	if sel.Capability == domain.CapabilityImage {
		line += "/" + string(sel.ImageMode)
	}
	if sel.Ready() {
		line += " · " + sel.Provider + "/" + sel.Model
	} else {
		line += " · no model (/model)"
	}
	if m.pendingImage != "" {
		line += " · image attached"
	}
	if m.generating {
		line += " · " + m.spinner.View() + " generating (/cancel)"
	}
	if m.status != "" {
		line += " · " + m.status
	}
	return line
}

func (m *Model) refresh() {
	m.viewport.SetContent(renderMessages(m.session.Messages(), m.renderer))
	m.viewport.GotoBottom()
}

func (m *Model) enterList(s state) {
	m.state = s
	m.cursor = 0
	m.listOffset = 0
}

func (m Model) listLen() int {
	switch m.state {
	case stateSelectingModel:
		return len(m.availableModels)
	case stateSelectingConversation:
		return len(m.availableConvs)
	}
	return 0
}

// maxViewable is the list height without header and footer.
func (m Model) maxViewable() int {
	return max(m.height-7, 1)
}

func (m *Model) clampList() {
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+m.maxViewable() {
		m.listOffset = m.cursor - m.maxViewable() + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

// Actions

func (m Model) selectModel() (Model, tea.Cmd) {
	if m.cursor >= len(m.availableModels) {
		return m, nil
	}
	selected := m.availableModels[m.cursor]
	m.state = stateChatting
	if err := m.session.Selections().SelectModel(selected); err != nil {
		m.err = err
		return m, nil
	}
	m.status = "Model: " + selected.Name()
	return m, nil
}

func (m Model) selectConversation() (Model, tea.Cmd) {
	if m.cursor >= len(m.availableConvs) {
		return m, nil
	}
	id := m.availableConvs[m.cursor].ID
	m.state = stateChatting
	session := m.session
	return m, func() tea.Msg {
		if err := session.Open(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return statusMsg("")
	}
}

func (m Model) sendInput() (Model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	m.textarea.Reset()
	m.status = ""

	name, arg, isCmd := parseCommand(v)
	if !isCmd {
		return m.submit(v)
	}
	return m.runCommand(name, arg)
}

func (m Model) submit(prompt string) (Model, tea.Cmd) {
	if m.generating {
		m.err = dispatch.ErrBusy
		return m, nil
	}
	sub := dispatch.Submission{Prompt: prompt, Image: m.pendingImage}
	if sel := m.session.Selections().Get(); !dispatch.Valid(sel, sub) {
		switch {
		case !sel.Ready():
			m.err = errors.New("select a model first (/model)")
		case sel.Editing() && sub.Image == "":
			m.err = errors.New("attach an image to edit (/image <path>)")
		}
		return m, nil
	}
	m.pendingImage = ""
	session := m.session
	ctx := m.ctx
	return m, func() tea.Msg {
		res, err := session.Submit(ctx, sub)
		return submitMsg{res: res, err: err}
	}
}

func (m Model) runCommand(name, arg string) (Model, tea.Cmd) {
	session := m.session
	ctx := m.ctx
	sel := session.Selections()

	switch name {
	case "exit", "quit":
		return m, tea.Quit
	case "help":
		m.status = helpText
	case "cancel":
		session.Cancel()
	case "new":
		return m, func() tea.Msg {
			if err := session.NewConversation(ctx); err != nil {
				return errMsg{err}
			}
			return statusMsg("New conversation.")
		}
	case "open":
		return m, func() tea.Msg {
			convs, err := session.Synchronizer().ListConversations(ctx, store.ListOptions{Limit: 100})
			if err != nil {
				return errMsg{err}
			}
			return conversationsMsg(convs)
		}
	case "search":
		return m, func() tea.Msg {
			convs, err := session.Synchronizer().Search(ctx, arg, 100)
			if err != nil {
				return errMsg{err}
			}
			return conversationsMsg(convs)
		}
	case "model":
		return m, func() tea.Msg {
			models, err := session.Models(ctx)
			if err != nil {
				return errMsg{err}
			}
			return modelsMsg(models)
		}
	case "cap":
		c, err := domain.ParseCapability(arg)
		if err != nil {
			m.err = err
			return m, nil
		}
		if err := sel.SetCapability(c); err != nil {
			m.err = err
			return m, nil
		}
		m.status = "Capability: " + string(c)
	case "mode":
		if err := sel.SetImageMode(domain.ImageMode(arg)); err != nil {
			m.err = err
			return m, nil
		}
		m.status = "Image mode: " + arg
	case "provider":
		if err := sel.SetProviderFilter(arg); err != nil {
			m.err = err
			return m, nil
		}
	case "image":
		if arg == "" {
			m.pendingImage = ""
			return m, nil
		}
		img, err := loadImage(arg)
		if err != nil {
			m.err = err
			return m, nil
		}
		m.pendingImage = img
	case "rename":
		return m, func() tea.Msg {
			if err := session.Rename(ctx, arg); err != nil {
				return errMsg{err}
			}
			return refreshMsg{}
		}
	case "delete":
		c, ok := session.Conversation()
		if !ok {
			m.err = chat.ErrNoConversation
			return m, nil
		}
		return m, func() tea.Msg {
			if err := session.DeleteConversation(ctx, c.ID); err != nil {
				return errMsg{err}
			}
			return statusMsg("Deleted " + c.Title + ".")
		}
	default:
		m.err = fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return m, nil
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		slog.Debug("TUI received event", "type", ev.Type, "message", ev.MessageID)
		return eventMsg(ev)
	}
}
