// Package tui はカメラセッションを操作する端末UIを提供する
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"rtspcam/internal/lifecycle"
)

// maxNotices は画面に残す通知の数
const maxNotices = 8

// Controller は端末UIから操作するカメラセッション
type Controller interface {
	StartPreview(ctx context.Context) error
	StopPreview(ctx context.Context) error
	ToggleStreaming(ctx context.Context) error
	ToggleRecording(ctx context.Context) error
	SwitchCamera(ctx context.Context) error
	ResetCamera(ctx context.Context) error
	ForceReinitialize(ctx context.Context) error
	Status() lifecycle.Status
	Subscribe() (<-chan lifecycle.Status, func())
	Notifications() (<-chan lifecycle.Notification, func())
}

// Msg types
type (
	tickMsg   time.Time
	statusMsg lifecycle.Status
	noticeMsg lifecycle.Notification
	closedMsg struct{}

	// intentDoneMsg は操作の完了を表す
	intentDoneMsg struct {
		op  string
		err error
	}
)

// subscription は購読中のチャンネル
type subscription struct {
	statuses    <-chan lifecycle.Status
	notices     <-chan lifecycle.Notification
	unsubscribe []func()
}

// Model は端末UIの状態
type Model struct {
	ctrl   Controller
	ctx    context.Context
	subs   *subscription
	title  string
	width  int
	height int

	status      lifecycle.Status
	notices     []lifecycle.Notification
	banner      string // 初期化のリトライ上限到達時など、消えない警告
	pending     string // 実行中の操作
	currentTime time.Time
}

// New は新しいModelを作成する
//
// ctx は各操作に渡される。
func New(ctx context.Context, ctrl Controller, title string) Model {
	statuses, unsubStatus := ctrl.Subscribe()
	notices, unsubNotices := ctrl.Notifications()

	return Model{
		ctrl:  ctrl,
		ctx:   ctx,
		title: title,
		subs: &subscription{
			statuses:    statuses,
			notices:     notices,
			unsubscribe: []func(){unsubStatus, unsubNotices},
		},
		status:      ctrl.Status(),
		currentTime: time.Now(),
	}
}

// Close は購読を解除する
func (m Model) Close() {
	for _, fn := range m.subs.unsubscribe {
		fn()
	}
}

// Init runs any initial IO
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitStatus(m.subs.statuses),
		waitNotice(m.subs.notices),
		timeTickCmd(),
	)
}

// Status は最後に受け取ったステータスを返す
func (m Model) Status() lifecycle.Status {
	return m.status
}

func waitStatus(ch <-chan lifecycle.Status) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return statusMsg(st)
	}
}

func waitNotice(ch <-chan lifecycle.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return noticeMsg(n)
	}
}

// Helper command for time updates
func timeTickCmd() tea.Cmd {
	return tea.Every(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runIntent は操作をバックグラウンドで実行するコマンドを返す
func (m Model) runIntent(op string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return intentDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m *Model) addNotice(n lifecycle.Notification) {
	if n.Persistent {
		m.banner = n.Message
	}
	m.notices = append(m.notices, n)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}
