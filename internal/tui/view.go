package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"rtspcam/internal/lifecycle"
)

// Style definitions
var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("250")).
			Padding(0, 1)

	mainContentStyle = lipgloss.NewStyle().
				Padding(1, 0)

	bannerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("160")).
			Foreground(lipgloss.Color("15")).
			Bold(true).
			Padding(0, 1)

	onStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	offStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// keyHelp は操作キーの説明
const keyHelp = "p: preview | s: stream | r: record | c: switch | x: reset | f: force reset | q: quit"

// View renders the UI
func (m Model) View() string {
	timeStr := m.currentTime.Format("Mon Jan 2 15:04:05 2006")

	headerContent := lipgloss.JoinHorizontal(
		lipgloss.Center,
		m.title,
		lipgloss.NewStyle().
			Width(max(m.width-lipgloss.Width(m.title)-2, 0)).
			Align(lipgloss.Right).
			Render(timeStr),
	)
	header := headerStyle.Width(m.width).Render(headerContent)

	sections := []string{header}
	if banner := m.bannerText(); banner != "" {
		sections = append(sections, bannerStyle.Width(m.width).Render(banner))
	}
	sections = append(sections,
		mainContentStyle.Render(m.renderStatus()),
		m.renderNotices(),
	)

	state := "idle"
	if m.pending != "" {
		state = m.pending + "..."
	}
	sections = append(sections, statusBarStyle.Width(m.width).Render(
		fmt.Sprintf("%s | %s", state, keyHelp),
	))

	return strings.Join(sections, "\n")
}

// bannerText は消えない警告の文言を返す
func (m Model) bannerText() string {
	if m.status.Fatal {
		msg := m.status.LastError
		if msg == "" {
			msg = m.banner
		}
		return msg + " (x: reset / f: force reset)"
	}
	return m.banner
}

func (m Model) renderStatus() string {
	s := m.status
	var b strings.Builder

	phase := string(s.Phase)
	if s.Attempt > 0 && s.Phase == lifecycle.PhaseInitializing {
		phase = fmt.Sprintf("%s (attempt %d)", phase, s.Attempt)
	}
	fmt.Fprintf(&b, "Camera:    %s\n", phase)
	fmt.Fprintf(&b, "Facing:    %s\n", s.Facing)
	fmt.Fprintf(&b, "Preview:   %s\n", onOff(s.Preview))
	fmt.Fprintf(&b, "Streaming: %s\n", onOff(s.IsStreaming))
	if s.RTSPEndpoint != "" {
		fmt.Fprintf(&b, "Endpoint:  %s\n", s.RTSPEndpoint)
	}
	fmt.Fprintf(&b, "Recording: %s\n", onOff(s.IsRecording))
	if s.RecordingPath != "" {
		fmt.Fprintf(&b, "File:      %s\n", s.RecordingPath)
	}
	fmt.Fprintf(&b, "Audio:     %s\n", s.Audio)
	if len(s.Clients) > 0 {
		fmt.Fprintf(&b, "Clients:   %s\n", strings.Join(s.Clients, ", "))
	}
	if s.LastError != "" && !s.Fatal {
		fmt.Fprintf(&b, "Error:     %s\n", errStyle.Render(s.LastError))
	}
	return b.String()
}

func (m Model) renderNotices() string {
	if len(m.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(m.notices))
	for i := len(m.notices) - 1; i >= 0; i-- {
		n := m.notices[i]
		line := fmt.Sprintf("%s %s", n.Time.Format("15:04:05"), n.Message)
		switch n.Level {
		case lifecycle.LevelError:
			line = errStyle.Render(line)
		case lifecycle.LevelWarn:
			line = warnStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func onOff(v bool) string {
	if v {
		return onStyle.Render("ON")
	}
	return offStyle.Render("off")
}
