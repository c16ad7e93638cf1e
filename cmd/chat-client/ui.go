package main

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/client"
)

type lineMsg string

type clearMsg struct{}

type stoppedMsg struct{}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7df")).Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f66"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#555"))
)

type chatModel struct {
	coord    *client.Coordinator
	input    textinput.Model
	viewport viewport.Model
	lines    []string
}

func newChatModel(coord *client.Coordinator) chatModel {
	input := textinput.New()
	input.Placeholder = "Type a message, or `help"
	input.Prompt = "┃ "
	input.CharLimit = 2000
	input.Focus()

	vp := viewport.New(80, 20)
	return chatModel{coord: coord, input: input, viewport: vp}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) render() string {
	rendered := make([]string, len(m.lines))
	for i, line := range m.lines {
		if strings.HasPrefix(line, "Error:") || strings.HasPrefix(line, "An error has occurred") {
			rendered[i] = errorStyle.Render(line)
		} else {
			rendered[i] = line
		}
	}
	return strings.Join(rendered, "\n")
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.coord.Stop()
			return m, tea.Quit
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			if strings.TrimSpace(line) != "" {
				_ = m.coord.Submit(line)
			}
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width - 2
		m.viewport.Height = msg.Height - 6
		m.input.Width = msg.Width - 4
		m.viewport.SetContent(m.render())
	case lineMsg:
		m.lines = append(m.lines, strings.Split(string(msg), "\n")...)
		m.viewport.SetContent(m.render())
		m.viewport.GotoBottom()
	case clearMsg:
		m.lines = nil
		m.viewport.SetContent("")
		m.viewport.GotoTop()
	case stoppedMsg:
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m chatModel) View() string {
	token := m.coord.Token()
	who := "guest"
	if !token.IsGuest() {
		who = "user " + token.ID
	}
	state := "offline"
	if m.coord.Ready() {
		state = "online"
	}
	header := headerStyle.Render("chatroom · " + state + " · " + who + " · group " + token.GroupID)
	return header + "\n" + borderStyle.Render(m.viewport.View()) + "\n" + m.input.View()
}

// pump forwards the coordinator's display and clear queues to the program in
// the order the coordinator produced them.
func pump(ctx context.Context, p *tea.Program, coord *client.Coordinator) {
	for ctx.Err() == nil {
		update, ok := coord.NextUpdate(ctx, 50*time.Millisecond)
		if !ok {
			continue
		}
		for _, line := range update.Lines {
			p.Send(lineMsg(line))
		}
		if update.Clear {
			p.Send(clearMsg{})
		}
	}
}
