// concierge is an interactive terminal client for the tourism-concierge
// chat backend.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"github.com/easybali/concierge/internal/backend"
	"github.com/easybali/concierge/internal/config"
	"github.com/easybali/concierge/internal/domain"
	"github.com/easybali/concierge/internal/session"
	"github.com/easybali/concierge/internal/speech"
	"github.com/easybali/concierge/internal/transcript"
	"github.com/easybali/concierge/internal/transport"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	timeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	tabStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	activeTabStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
)

// menuOrder is the tab order shown in the footer. Ids resolve to chat tags
// through transport.MenuItems.
var menuOrder = []string{
	"what_to_do",
	"currency_converter",
	"plan_my_trip",
	"voice_translator",
	"passport_submission",
}

type refreshMsg struct{}

type orderStartedMsg struct {
	session backend.OrderSession
	err     error
}

type transcriptMsg struct{ text string }

type noticeMsg struct{ text string }

type model struct {
	ctrl    *session.Controller
	api     *backend.Client
	mic     *speech.Adapter
	updates chan struct{}
	notices chan string

	participantID string
	activeTab     int
	orderMode     bool

	input    textinput.Model
	view     viewport.Model
	spin     spinner.Model
	busy     bool
	notice   string
	ready    bool
	quitting bool
}

func newModel(ctrl *session.Controller, api *backend.Client, mic *speech.Adapter, updates chan struct{}, notices chan string, participantID string) model {
	ti := textinput.New()
	ti.Placeholder = "Ask me anything about Bali..."
	ti.Focus()
	ti.CharLimit = 500

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		ctrl:          ctrl,
		api:           api,
		mic:           mic,
		updates:       updates,
		notices:       notices,
		participantID: participantID,
		input:         ti,
		spin:          sp,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.activateTab(m.activeTab, domain.OriginFreshNavigation),
		m.waitForUpdate(),
		m.waitForNotice(),
		m.spin.Tick,
	)
}

func (m model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		<-m.updates
		return refreshMsg{}
	}
}

func (m model) waitForNotice() tea.Cmd {
	return func() tea.Msg {
		return noticeMsg{text: <-m.notices}
	}
}

func (m model) activateTab(idx int, origin domain.Origin) tea.Cmd {
	tag := transport.MenuItems[menuOrder[idx]]
	ctrl := m.ctrl
	pid := m.participantID
	return func() tea.Msg {
		ctrl.Activate(context.Background(), session.Activation{
			Context: domain.ChatContext{
				ContextID:     tag.String(),
				ParticipantID: pid,
				Transport:     transport.Select(tag),
			},
			Origin: origin,
		})
		return refreshMsg{}
	}
}

func (m model) startOrder() tea.Cmd {
	api := m.api
	pid := m.participantID
	return func() tea.Msg {
		s, err := api.StartOrder(context.Background(), pid)
		return orderStartedMsg{session: s, err: err}
	}
}

func (m model) send(text string) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctrl.Send(context.Background(), text)
		return refreshMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.view = viewport.New(msg.Width, msg.Height-6)
			m.ready = true
		} else {
			m.view.Width = msg.Width
			m.view.Height = msg.Height - 6
		}
		m.view.SetContent(m.renderTranscript())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			m.ctrl.Deactivate(context.Background())
			return m, tea.Quit

		case "tab":
			m.orderMode = false
			m.activeTab = (m.activeTab + 1) % len(menuOrder)
			m.busy = true
			return m, m.activateTab(m.activeTab, domain.OriginMenuSwitch)

		case "ctrl+o":
			m.busy = true
			return m, m.startOrder()

		case "ctrl+v":
			m.mic.Toggle(context.Background())
			return m, nil

		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.busy {
				return m, nil
			}
			m.input.Reset()
			m.busy = true
			return m, m.send(text)
		}

	case refreshMsg:
		m.busy = false
		m.view.SetContent(m.renderTranscript())
		m.view.GotoBottom()
		return m, m.waitForUpdate()

	case orderStartedMsg:
		m.busy = false
		if msg.err != nil {
			m.notice = backend.UserMessage(msg.err)
			return m, nil
		}
		m.orderMode = true
		return m, func() tea.Msg {
			m.ctrl.Activate(context.Background(), session.Activation{
				Context: domain.ChatContext{
					ContextID:     msg.session.SessionID,
					ParticipantID: m.participantID,
					Transport:     transport.SelectByValue(msg.session.SessionID),
				},
				Origin:  domain.OriginFreshNavigation,
				Opening: msg.session.Message,
			})
			return refreshMsg{}
		}

	case transcriptMsg:
		m.input.SetValue(msg.text)
		return m, nil

	case noticeMsg:
		m.notice = msg.text
		return m, m.waitForNotice()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) renderTranscript() string {
	var b strings.Builder
	for _, msg := range m.ctrl.Messages() {
		ts := timeStyle.Render(msg.Timestamp)
		if msg.Sender == domain.SenderUser {
			b.WriteString(fmt.Sprintf("%s %s %s\n", ts, userStyle.Render("you:"), msg.Text))
		} else {
			b.WriteString(fmt.Sprintf("%s %s %s\n", ts, assistantStyle.Render("concierge:"), msg.Text))
		}
	}
	return b.String()
}

func (m model) View() string {
	if m.quitting {
		return "Sampai jumpa!\n"
	}
	if !m.ready {
		return "loading..."
	}

	var tabs []string
	for i, id := range menuOrder {
		label := transport.MenuItems[id].String()
		if i == m.activeTab && !m.orderMode {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}
	if m.orderMode {
		tabs = append(tabs, activeTabStyle.Render("order-service"))
	}

	status := ""
	if m.busy {
		status = m.spin.View() + " thinking..."
	}
	if m.orderMode {
		state := m.ctrl.DuplexState()
		status = statusStyle.Render(fmt.Sprintf("connection: %s", state))
	}
	if m.mic.Listening() {
		status += statusStyle.Render("  [mic on]")
	}
	if m.notice != "" {
		status += "  " + statusStyle.Render(m.notice)
	}

	return fmt.Sprintf(
		"%s\n%s\n\n%s\n%s\n%s",
		strings.Join(tabs, " | "),
		m.view.View(),
		m.input.View(),
		status,
		statusStyle.Render("tab: switch chat · ctrl+o: order services · ctrl+v: voice · esc: quit"),
	)
}

// envAudioSource feeds a pre-recorded file to the speech pipeline; real
// microphone capture stays outside this client.
type envAudioSource struct {
	path string
}

func (s envAudioSource) Record(_ context.Context) (io.ReadCloser, string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, "", fmt.Errorf("open audio file: %w", err)
	}
	return f, "audio.webm", nil
}

func main() {
	logLevel := new(slog.LevelVar)
	logFile, err := os.OpenFile("concierge.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		// The terminal belongs to the TUI; logs go to a file.
		slog.SetDefault(slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
			Level: logLevel,
		})))
		defer func() { _ = logFile.Close() }()
	}

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	if cfg.IsDevelopment() {
		logLevel.Set(slog.LevelDebug)
	}

	store, err := transcript.NewSQLite(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open transcript store:", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	participantID, err := store.ParticipantID(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to establish identity:", err)
		os.Exit(1)
	}

	api := backend.New(cfg.BaseURL,
		backend.WithLanguage(cfg.Language),
		backend.WithVillaCode(cfg.VillaCode),
	)

	updates := make(chan struct{}, 1)
	notices := make(chan string, 4)

	ctrl := session.New(store, api, &session.WSDialer{},
		session.WithIdleTimeout(cfg.IdleTimeout),
		session.WithReconnectDelay(cfg.ReconnectDelay),
		session.WithOnUpdate(func() {
			select {
			case updates <- struct{}{}:
			default:
			}
		}),
	)

	var src speech.AudioSource
	if path := os.Getenv("CONCIERGE_AUDIO_FILE"); path != "" {
		src = envAudioSource{path: path}
	}
	var program *tea.Program

	mic := speech.NewAdapter(
		speech.NewUploadRecognizer(api, src),
		nil,
		func(text string) {
			if text != "" && program != nil {
				program.Send(transcriptMsg{text: text})
			}
		},
		func(notice string) { notices <- notice },
	)

	m := newModel(ctrl, api, mic, updates, notices, participantID)
	program = tea.NewProgram(m, tea.WithAltScreen())

	if _, err := program.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
