// This file implements the interactive orchestration session using bubbletea.
package main

import (
	"fmt"
	"strings"

	"oprime/cmd/oprime/ui"
	"oprime/internal/backend"
	"oprime/internal/engine"
	"oprime/internal/store"
	"oprime/internal/types"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const (
	defaultPlaceholder  = "Describe the task... (Enter to start, Ctrl+C to exit)"
	questionPlaceholder = "Answer the Manager's question... (Enter to resume)"
)

// senderHelp labels locally generated help text in the transcript. It never
// reaches the engine or the database.
const senderHelp types.Sender = "help"

// sessionModel is the main model for the interactive session
type sessionModel struct {
	// UI Components
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	styles    ui.Styles
	renderer  *glamour.TermRenderer

	// Engine handle. All mutations go through tea.Cmd closures because
	// engine calls can block behind an in-flight backend dispatch.
	eng *engine.Engine

	// Mirrored engine state, fed by observer events
	projectName string
	goal        string
	state       types.EngineState
	statusLine  string
	question    string
	lastErr     string
	history     []types.Turn

	// UI state
	submitting bool
	width      int
	height     int
	ready      bool
}

// Messages for tea updates
type (
	engineEventMsg    engine.Event
	engineCallDoneMsg struct{ err error }
)

// initSession initializes the interactive session model from the engine's
// current snapshot.
func initSession(eng *engine.Engine, snap engine.Snapshot, themeName string) sessionModel {
	styles := ui.NewStyles(ui.ThemeByName(themeName))

	ti := textinput.New()
	ti.Placeholder = defaultPlaceholder
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.Width = 80
	ti.PromptStyle = styles.Bold.Foreground(styles.Theme.Accent)
	ti.TextStyle = styles.Body

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	vp := viewport.New(80, 20)
	vp.SetContent("")

	m := sessionModel{
		textinput:   ti,
		viewport:    vp,
		spinner:     sp,
		styles:      styles,
		renderer:    newMarkdownRenderer(styles.Theme.IsDark, 80),
		eng:         eng,
		projectName: snap.ProjectName,
		goal:        snap.Goal,
		state:       snap.State,
		question:    snap.PendingQuestion,
		lastErr:     snap.LastError,
		history:     snap.History,
	}
	if m.state == types.StatePausedWaitingUserInput {
		m.textinput.Placeholder = questionPlaceholder
	}
	return m
}

// newMarkdownRenderer builds a glamour renderer sized for the current width.
func newMarkdownRenderer(isDark bool, width int) *glamour.TermRenderer {
	if isDark {
		r, _ := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		return r
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithStylePath("light"),
		glamour.WithWordWrap(width),
	)
	return r
}

func (m sessionModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
	)
}

// busy reports whether a run is in flight, either because the engine is in a
// running state or because a submitted call has not returned yet.
func (m sessionModel) busy() bool {
	return m.submitting || m.state.IsRunning()
}

func (m sessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyCtrlP:
			m.statusLine = "Pausing..."
			return m, m.pauseCmd()

		case tea.KeyCtrlX:
			m.statusLine = "Stopping the task..."
			return m, m.stopCmd()

		case tea.KeyEnter:
			return m.handleSubmit()
		}

		// Regular key input. Typing stays live while a run is in flight so
		// slash commands can be prepared at any time.
		m.textinput, tiCmd = m.textinput.Update(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 4
		footerHeight := 3
		inputHeight := 3

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-headerHeight-footerHeight-inputHeight)
			m.viewport.SetContent(m.renderHistory())
			m.viewport.GotoBottom()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - headerHeight - footerHeight - inputHeight
		}

		m.textinput.Width = msg.Width - 4
		m.renderer = newMarkdownRenderer(m.styles.Theme.IsDark, msg.Width-8)
		m.viewport.SetContent(m.renderHistory())

	case spinner.TickMsg:
		if m.busy() {
			m.spinner, spCmd = m.spinner.Update(msg)
			return m, spCmd
		}

	case engineEventMsg:
		return m.handleEngineEvent(engine.Event(msg))

	case engineCallDoneMsg:
		m.submitting = false
		if msg.err != nil {
			// Rejections (busy, wrong state) land here; real failures also
			// arrive as error events with state context.
			m.statusLine = msg.err.Error()
		}
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd, spCmd)
}

// handleEngineEvent folds one observer event into the mirrored state.
func (m sessionModel) handleEngineEvent(ev engine.Event) (tea.Model, tea.Cmd) {
	switch ev.Type {
	case engine.EventStateChange:
		m.state = ev.State
		if ev.State != types.StatePausedWaitingUserInput {
			m.question = ""
			m.textinput.Placeholder = defaultPlaceholder
		}
		if ev.State.IsRunning() {
			m.lastErr = ""
		}

	case engine.EventStatusUpdate:
		m.statusLine = ev.Message

	case engine.EventError:
		m.lastErr = ev.Message
		if ev.ErrorKind == types.ErrBackendAuth {
			m.lastErr += " (check GEMINI_API_KEY)"
		}
		m.statusLine = ""

	case engine.EventNewMessage:
		if ev.Turn != nil {
			m.history = append(m.history, *ev.Turn)
			m.viewport.SetContent(m.renderHistory())
			m.viewport.GotoBottom()
		}

	case engine.EventUserInputNeeded:
		m.question = ev.Message
		m.textinput.Placeholder = questionPlaceholder
		m.statusLine = ""

	case engine.EventTaskComplete:
		m.statusLine = "Task complete. Enter a new task to continue."

	case engine.EventProjectLoaded:
		if ev.Project != nil {
			m.projectName = ev.Project.Name
			m.goal = ev.Project.Goal
			m.history = ev.Project.History
			m.viewport.SetContent(m.renderHistory())
			m.viewport.GotoBottom()
		}
	}

	return m, nil
}

func (m sessionModel) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textinput.Value())
	if input == "" {
		return m, nil
	}

	// Check for special commands
	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	if m.busy() {
		m.statusLine = fmt.Sprintf("Engine busy (%s). Ctrl+P pauses, Ctrl+X stops.", stateLabel(m.state))
		return m, nil
	}

	m.textinput.Reset()
	m.submitting = true
	m.statusLine = ""

	if m.state == types.StatePausedWaitingUserInput {
		return m, tea.Batch(m.spinner.Tick, m.resumeCmd(input))
	}
	return m, tea.Batch(m.spinner.Tick, m.startCmd(input))
}

func (m sessionModel) handleCommand(input string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(input)
	cmd := parts[0]

	switch cmd {
	case "/quit", "/exit", "/q":
		return m, tea.Quit

	case "/clear":
		// Clears the screen only; the durable transcript is untouched.
		m.history = nil
		m.viewport.SetContent("")
		m.textinput.Reset()
		return m, nil

	case "/pause":
		m.textinput.Reset()
		m.statusLine = "Pausing..."
		return m, m.pauseCmd()

	case "/stop":
		m.textinput.Reset()
		m.statusLine = "Stopping the task..."
		return m, m.stopCmd()

	case "/status":
		m.textinput.Reset()
		m.statusLine = fmt.Sprintf("State %s, %d turn(s) recorded.", m.state, len(m.history))
		return m, nil

	case "/help":
		help := `## Available Commands

| Command | Description |
|---------|-------------|
| /help | Show this help message |
| /clear | Clear the screen (history stays saved) |
| /status | Show the engine state |
| /pause | Pause the current run |
| /stop | Stop the task and reset to the project |
| /quit, /exit, /q | Exit the session |

## Keys
| Keybinding | Description |
|------------|-------------|
| Enter | Start a task, or answer a pending question |
| Ctrl+P | Pause the current run |
| Ctrl+X | Stop the task |
| Ctrl+C / Esc | Exit |

## Tips
- The Manager writes each step to the instruction file; run
  'oprime bridge run' in the project workspace to execute them.
- A completed or failed task can be restarted with a new message.
`
		m.history = append(m.history, types.NewTurn(senderHelp, help))
		m.textinput.Reset()
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil

	default:
		m.statusLine = fmt.Sprintf("Unknown command %s. Try /help.", cmd)
		m.textinput.Reset()
		return m, nil
	}
}

// Engine call commands. Each runs on its own goroutine because the engine
// lock may be held by an in-flight backend dispatch for up to the bounded
// wait timeout.

func (m sessionModel) startCmd(input string) tea.Cmd {
	eng := m.eng
	return func() tea.Msg {
		return engineCallDoneMsg{err: eng.StartTask(input)}
	}
}

func (m sessionModel) resumeCmd(input string) tea.Cmd {
	eng := m.eng
	return func() tea.Msg {
		return engineCallDoneMsg{err: eng.ResumeWithUserInput(input)}
	}
}

func (m sessionModel) pauseCmd() tea.Cmd {
	eng := m.eng
	return func() tea.Msg {
		eng.PauseTask()
		return engineCallDoneMsg{}
	}
}

func (m sessionModel) stopCmd() tea.Cmd {
	eng := m.eng
	return func() tea.Msg {
		eng.StopTask()
		return engineCallDoneMsg{}
	}
}

// senderHeading returns the transcript label for a sender.
func senderHeading(s types.Sender) string {
	switch s {
	case types.SenderUser:
		return "You"
	case types.SenderManager:
		return "🧠 Manager"
	case types.SenderManagerClarification:
		return "🧠 Manager asks"
	case types.SenderWorkerLog:
		return "⚙ Worker"
	case types.SenderSystemError:
		return "✗ System"
	case senderHelp:
		return "Help"
	default:
		return "• System"
	}
}

func (m sessionModel) renderHistory() string {
	var sb strings.Builder

	for _, turn := range m.history {
		heading := senderHeading(turn.Sender)

		switch turn.Sender {
		case types.SenderUser:
			sb.WriteString(m.styles.UserLabel.MarginTop(1).Render(heading) + "\n")
			sb.WriteString(m.styles.Body.Render(turn.Message))
			sb.WriteString("\n\n")

		case types.SenderManager, types.SenderManagerClarification, senderHelp:
			style := m.styles.ManagerLabel
			if turn.Sender == senderHelp {
				style = m.styles.SystemLabel
			}
			sb.WriteString(style.MarginTop(1).Render(heading) + "\n")
			sb.WriteString(m.safeRenderMarkdown(turn.Message))
			sb.WriteString("\n")

		case types.SenderWorkerLog:
			sb.WriteString(m.styles.WorkerLabel.MarginTop(1).Render(heading) + "\n")
			sb.WriteString(m.styles.Body.Render(turn.Message))
			sb.WriteString("\n\n")

		case types.SenderSystemError:
			sb.WriteString(m.styles.Error.MarginTop(1).Render(heading) + "\n")
			sb.WriteString(m.styles.Body.Render(turn.Message))
			sb.WriteString("\n\n")

		default:
			sb.WriteString(m.styles.SystemLabel.MarginTop(1).Render(heading) + " ")
			sb.WriteString(m.styles.Muted.Render(turn.Message))
			sb.WriteString("\n\n")
		}
	}

	return sb.String()
}

// safeRenderMarkdown renders markdown with panic recovery
func (m sessionModel) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			// If glamour panics, return plain text
			result = content
		}
	}()

	if m.renderer != nil && content != "" {
		rendered, err := m.renderer.Render(content)
		if err == nil {
			return rendered
		}
	}
	return content
}

func (m sessionModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	header := m.renderHeader()

	chatView := m.styles.Content.Render(m.viewport.View())

	if m.busy() {
		label := stateLabel(m.state)
		if m.submitting && !m.state.IsRunning() {
			label = "Working..."
		}
		chatView += "\n" + m.styles.Spinner.Render(m.spinner.View()) + " " + label
	}
	if m.statusLine != "" {
		chatView += "\n" + m.styles.Muted.Render(m.statusLine)
	}
	if m.lastErr != "" {
		chatView += "\n" + m.styles.Error.Render("Error: "+m.lastErr)
	}
	if m.state == types.StatePausedWaitingUserInput && m.question != "" {
		chatView += "\n" + m.styles.Question.Render(m.question)
	}

	inputArea := m.styles.InputBox.Render(m.textinput.View())

	footer := m.renderFooter()

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		chatView,
		inputArea,
		footer,
	)
}

func (m sessionModel) renderHeader() string {
	title := m.styles.Header.Render(" ⚙ oprime ")
	version := m.styles.Badge.Render("v" + cfg.Version)

	var status string
	switch {
	case m.state == types.StateError:
		status = m.styles.Error.Render("● Error")
	case m.state == types.StatePausedWaitingUserInput:
		status = m.styles.Warning.Render("● Waiting for you")
	case m.busy():
		status = m.styles.Warning.Render("● " + stateLabel(m.state))
	case m.state == types.StateTaskComplete:
		status = m.styles.Success.Render("● Task complete")
	default:
		status = m.styles.Success.Render("● Ready")
	}

	headerLine := lipgloss.JoinHorizontal(
		lipgloss.Center,
		title,
		" ",
		version,
		"  ",
		status,
	)

	projectLine := m.styles.Muted.Render(fmt.Sprintf(" 📁 %s • %s", m.projectName, truncate(m.goal, 60)))

	return lipgloss.JoinVertical(
		lipgloss.Left,
		headerLine,
		projectLine,
		m.styles.RenderDivider(m.width),
	)
}

func (m sessionModel) renderFooter() string {
	help := m.styles.Muted.Render("Enter: send • Ctrl+P: pause • Ctrl+X: stop task • /help: commands • Ctrl+C: exit")
	return lipgloss.NewStyle().
		MarginTop(1).
		Render(help)
}

// stateLabel maps an engine state to the short label shown in the UI.
func stateLabel(s types.EngineState) string {
	switch s {
	case types.StateWaitingInitialBackend, types.StateCallingBackend:
		return "Consulting the Manager..."
	case types.StateWaitingResult:
		return "Waiting for the Worker's result..."
	case types.StateProcessingResult:
		return "Processing the Worker's result..."
	case types.StatePausedWaitingUserInput:
		return "Waiting for your answer"
	case types.StateTaskComplete:
		return "Task complete"
	case types.StateError:
		return "Error"
	case types.StateLoadingProject:
		return "Loading project..."
	case types.StateProjectSelected, types.StateIdle:
		return "Ready"
	default:
		return s.String()
	}
}

// resolveSessionProject picks the project for the interactive session: the
// --project flag when given, otherwise the sole registered project.
func resolveSessionProject(st *store.Store) (*types.Project, error) {
	if project != "" {
		p, err := st.GetProjectByName(project)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("project %q not found; list projects with 'oprime projects list'", project)
		}
		return p, nil
	}

	projects, err := st.LoadProjects()
	if err != nil {
		return nil, err
	}
	switch len(projects) {
	case 0:
		return nil, fmt.Errorf("no projects registered; add one with 'oprime projects add'")
	case 1:
		return &projects[0], nil
	default:
		names := make([]string, len(projects))
		for i, p := range projects {
			names[i] = p.Name
		}
		return nil, fmt.Errorf("multiple projects registered (%s); pick one with --project", strings.Join(names, ", "))
	}
}

// runInteractiveSession wires the engine to the TUI and runs it.
func runInteractiveSession() error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	proj, err := resolveSessionProject(st)
	if err != nil {
		return err
	}

	be, err := backend.NewGeminiBackend(cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return err
	}
	defer be.Close()

	// The observer runs under the engine lock; hand events to a buffered
	// channel and never block. A stalled UI drops events rather than
	// stalling the engine.
	events := make(chan engine.Event, 64)
	observer := func(ev engine.Event) {
		select {
		case events <- ev:
		default:
		}
	}

	eng := engine.New(cfg, st, be, observer)
	defer eng.Shutdown()

	if err := eng.SetActiveProject(proj); err != nil {
		return err
	}

	p := tea.NewProgram(
		initSession(eng, eng.Snapshot(), userCfg.Theme),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	go func() {
		for ev := range events {
			p.Send(engineEventMsg(ev))
		}
	}()

	_, err = p.Run()
	return err
}
