package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"rtspcam/internal/lifecycle"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.currentTime = time.Time(msg)
		return m, timeTickCmd()

	case statusMsg:
		m.status = lifecycle.Status(msg)
		if !m.status.Fatal && m.status.IsInitialized {
			m.banner = ""
		}
		return m, waitStatus(m.subs.statuses)

	case noticeMsg:
		m.addNotice(lifecycle.Notification(msg))
		return m, waitNotice(m.subs.notices)

	case intentDoneMsg:
		if m.pending == msg.op {
			m.pending = ""
		}
		m.status = m.ctrl.Status()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

// handleKey はキー入力を操作に対応させる
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "p":
		if m.status.Preview {
			return m.start("stop preview", m.ctrl.StopPreview)
		}
		return m.start("start preview", m.ctrl.StartPreview)
	case "s":
		return m.start("toggle stream", m.ctrl.ToggleStreaming)
	case "r":
		return m.start("toggle record", m.ctrl.ToggleRecording)
	case "c":
		return m.start("switch camera", m.ctrl.SwitchCamera)
	case "x":
		return m.start("reset", m.ctrl.ResetCamera)
	case "f":
		return m.start("force reset", m.ctrl.ForceReinitialize)
	}
	return m, nil
}

func (m Model) start(op string, fn func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	m.pending = op
	return m, m.runIntent(op, fn)
}
