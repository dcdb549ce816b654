// ABOUTME: Server TUI for displaying bridge status and push clients
// ABOUTME: Real-time status display using bubbletea
package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ServerTUI manages the server TUI
type ServerTUI struct {
	program  *tea.Program
	updates  chan ServerStatus
	quitChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// ServerStatus holds bridge state for the TUI
type ServerStatus struct {
	Name          string
	Port          int
	DeviceAddr    string
	InstrumentID  string
	PresenceState string
	PresenceDelay time.Duration
	Clients       []ClientInfo
}

// tuiModel is the bubbletea model for the server TUI
type tuiModel struct {
	status    ServerStatus
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

type tickMsg time.Time
type statusMsg ServerStatus

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	clientHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("220"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))
)

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = ServerStatus(msg)
		return m, nil
	}

	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down bridge...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("OrchestX Bridge"))
	b.WriteString("\n\n")

	field := func(name, value string) {
		b.WriteString(headerStyle.Render(name + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	field("Name", m.status.Name)
	field("Instrument", m.status.InstrumentID)
	field("Port", fmt.Sprintf("%d", m.status.Port))
	field("Device", m.status.DeviceAddr)
	field("Uptime", time.Since(m.startTime).Round(time.Second).String())

	b.WriteString(headerStyle.Render("Presence: "))
	b.WriteString(presenceLine(m.status))
	b.WriteString("\n\n")

	b.WriteString(clientHeaderStyle.Render(fmt.Sprintf("Push Clients (%d)", len(m.status.Clients))))
	b.WriteString("\n\n")

	if len(m.status.Clients) == 0 {
		b.WriteString(valueStyle.Render("  No clients connected"))
		b.WriteString("\n")
	} else {
		for _, client := range m.status.Clients {
			b.WriteString(fmt.Sprintf("  • %s", shortID(client.ID)))
			b.WriteString(valueStyle.Render(fmt.Sprintf(" (%s, %d frames)", client.RemoteAddr, client.Frames)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

// presenceLine renders the announcer state, flagging backoff
func presenceLine(status ServerStatus) string {
	switch status.PresenceState {
	case "":
		return valueStyle.Render("disabled")
	case "backoff":
		return warnStyle.Render(fmt.Sprintf("backoff (next attempt in %s)", status.PresenceDelay))
	default:
		return valueStyle.Render(status.PresenceState)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NewServerTUI creates a server TUI showing initial until updates arrive
func NewServerTUI(initial ServerStatus) *ServerTUI {
	t := &ServerTUI{
		updates:  make(chan ServerStatus, 10),
		quitChan: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	m := tuiModel{
		status:    initial,
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}
	t.program = tea.NewProgram(m, tea.WithAltScreen())

	return t
}

// Start runs the TUI until it quits
func (t *ServerTUI) Start() error {
	go t.forward()

	_, err := t.program.Run()
	return err
}

// forward relays status updates to the program until Stop
func (t *ServerTUI) forward() {
	for {
		select {
		case <-t.done:
			return
		case status := <-t.updates:
			t.program.Send(statusMsg(status))
		}
	}
}

// Update sends a status update to the TUI
func (t *ServerTUI) Update(status ServerStatus) {
	select {
	case t.updates <- status:
	default:
		// Don't block if channel is full
	}
}

// Stop stops the TUI
func (t *ServerTUI) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.program.Quit()
	})
}

// QuitChan returns the channel that signals when user wants to quit
func (t *ServerTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
