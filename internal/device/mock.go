package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockDevice はテスト・デモ用のインメモリデバイス実装
//
// 操作ごとの失敗注入、呼び出し履歴、同時呼び出し数の計測を提供する。
type MockDevice struct {
	mu sync.Mutex

	onPreview     bool
	streaming     bool
	recording     bool
	videoPrepared bool
	closed        bool
	facing        Facing
	recordPath    string
	endpoint      string

	// テスト制御用
	audioSupported bool
	autoConnect    bool
	prepareVideoOK bool
	prepareAudioOK bool
	callDelay      time.Duration
	failures       map[string]error
	failureCounts  map[string]int
	panics         map[string]any
	calls          []string

	events   chan Event
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	dropped  atomic.Int64
}

// MockOption はMockDeviceの初期設定
type MockOption func(*MockDevice)

// WithAudio は音声準備のサポート有無を設定する
func WithAudio(supported bool) MockOption {
	return func(m *MockDevice) { m.audioSupported = supported }
}

// WithAutoConnect は配信開始時に接続成功イベントを自動送信するかを設定する
func WithAutoConnect(enabled bool) MockOption {
	return func(m *MockDevice) { m.autoConnect = enabled }
}

// WithCallDelay は各デバイス呼び出しに遅延を入れる
func WithCallDelay(d time.Duration) MockOption {
	return func(m *MockDevice) { m.callDelay = d }
}

// WithEndpoint は配信時に報告する接続文字列を設定する
func WithEndpoint(endpoint string) MockOption {
	return func(m *MockDevice) { m.endpoint = endpoint }
}

// NewMockDevice は新しいMockDeviceを作成する
func NewMockDevice(opts ...MockOption) *MockDevice {
	m := &MockDevice{
		facing:         FacingBack,
		endpoint:       "rtsp://127.0.0.1:8554/live",
		audioSupported: true,
		autoConnect:    true,
		prepareVideoOK: true,
		prepareAudioOK: true,
		failures:       make(map[string]error),
		failureCounts:  make(map[string]int),
		panics:         make(map[string]any),
		events:         make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MockOpener は常に同じMockDeviceを返すOpenerを作成する
//
// 取得のたびに解放状態と向きを初期化し、前のセッションのイベントを破棄する。
func MockOpener(m *MockDevice) Opener {
	return func(_ context.Context) (CameraStreamDevice, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = false
		m.facing = FacingBack
		for {
			select {
			case <-m.events:
			default:
				return m, nil
			}
		}
	}
}

// SetFailure はテスト用に操作の失敗を設定する（nilで解除）
func (m *MockDevice) SetFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		delete(m.failureCounts, op)
		return
	}
	m.failures[op] = err
	m.failureCounts[op] = -1
}

// FailNext はテスト用に次のn回の呼び出しを失敗させる
func (m *MockDevice) FailNext(op string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
	m.failureCounts[op] = n
}

// SetPanic はテスト用に操作でpanicさせる
func (m *MockDevice) SetPanic(op string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == nil {
		delete(m.panics, op)
		return
	}
	m.panics[op] = v
}

// SetAudioSupported はテスト用に音声サポート有無を切り替える
func (m *MockDevice) SetAudioSupported(supported bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioSupported = supported
}

// SetPrepareVideoResult はテスト用にPrepareVideoの戻り値を設定する
func (m *MockDevice) SetPrepareVideoResult(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareVideoOK = ok
}

// SetPrepareAudioResult はテスト用にPrepareAudioの戻り値を設定する
func (m *MockDevice) SetPrepareAudioResult(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareAudioOK = ok
}

// Emit はテスト用にイベントを送信する
func (m *MockDevice) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.send(e)
}

// Calls は呼び出し履歴を返す
func (m *MockDevice) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount は指定操作の呼び出し回数を返す
func (m *MockDevice) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

// ResetCalls は呼び出し履歴を消去する
func (m *MockDevice) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// MaxConcurrent は観測された最大同時呼び出し数を返す
func (m *MockDevice) MaxConcurrent() int {
	return int(m.maxSeen.Load())
}

// Facing は選択中のカメラの向きを返す
func (m *MockDevice) Facing() Facing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

// RecordPath は最後に録画を開始したパスを返す
func (m *MockDevice) RecordPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordPath
}

// Closed は解放済みかを返す
func (m *MockDevice) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// enter は呼び出しを記録し、注入された失敗を返す
func (m *MockDevice) enter(op string) (func(), error) {
	n := m.inFlight.Add(1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	leave := func() { m.inFlight.Add(-1) }

	m.mu.Lock()
	m.calls = append(m.calls, op)
	closed := m.closed
	delay := m.callDelay
	p, shouldPanic := m.panics[op]
	err := m.failures[op]
	if c := m.failureCounts[op]; err != nil && c > 0 {
		m.failureCounts[op] = c - 1
		if c == 1 {
			delete(m.failures, op)
			delete(m.failureCounts, op)
		}
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if shouldPanic {
		leave()
		panic(p)
	}
	if closed && op != OpClose {
		return leave, NewError(op, CodeUnknown, ErrClosed)
	}
	return leave, err
}

// send はイベントを非ブロッキングで送信する
func (m *MockDevice) send(e Event) {
	select {
	case m.events <- e:
	default:
		m.dropped.Add(1)
	}
}

// PrepareVideo は映像パイプラインを準備する
func (m *MockDevice) PrepareVideo(_ context.Context, params VideoParams) (bool, error) {
	leave, err := m.enter(OpPrepareVideo)
	defer leave()
	if err != nil {
		return false, err
	}
	if verr := params.Validate(); verr != nil {
		return false, NewError(OpPrepareVideo, CodeParameters, verr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoPrepared = m.prepareVideoOK
	return m.prepareVideoOK, nil
}

// SupportsAudio は音声準備が可能かを返す
func (m *MockDevice) SupportsAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioSupported
}

// PrepareAudio は音声パイプラインを準備する
func (m *MockDevice) PrepareAudio(_ context.Context) (bool, error) {
	leave, err := m.enter(OpPrepareAudio)
	defer leave()
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.audioSupported {
		return false, Errorf(OpPrepareAudio, CodeAudioUnsupported, "音声準備はサポートされていません")
	}
	return m.prepareAudioOK, nil
}

// StartPreview はプレビューを開始する
func (m *MockDevice) StartPreview(_ context.Context) error {
	leave, err := m.enter(OpStartPreview)
	defer leave()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPreview = true
	return nil
}

// StopPreview はプレビューを停止する
func (m *MockDevice) StopPreview(_ context.Context) error {
	leave, err := m.enter(OpStopPreview)
	defer leave()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPreview = false
	return nil
}

// StartStream は配信を開始する
func (m *MockDevice) StartStream(_ context.Context, endpointHint string) error {
	leave, err := m.enter(OpStartStream)
	defer leave()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.videoPrepared {
		m.mu.Unlock()
		return Errorf(OpStartStream, CodeParameters, "映像パイプラインが準備されていません")
	}
	if endpointHint != "" {
		m.endpoint = endpointHint
	}
	m.streaming = true
	url := m.endpoint
	autoConnect := m.autoConnect
	m.mu.Unlock()

	m.send(Event{Kind: EventConnectionStarted, URL: url, Time: time.Now()})
	if autoConnect {
		m.send(Event{Kind: EventConnectionSuccess, Time: time.Now()})
	}
	return nil
}

// StopStream は配信を停止する
func (m *MockDevice) StopStream(_ context.Context) error {
	leave, err := m.enter(OpStopStream)
	defer leave()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = false
	return nil
}

// StartRecord は録画を開始する
func (m *MockDevice) StartRecord(_ context.Context, path string) error {
	leave, err := m.enter(OpStartRecord)
	defer leave()
	if err != nil {
		return err
	}
	if path == "" {
		return Errorf(OpStartRecord, CodeParameters, "録画パスが空です")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.videoPrepared {
		return Errorf(OpStartRecord, CodeParameters, "映像パイプラインが準備されていません")
	}
	m.recording = true
	m.recordPath = path
	return nil
}

// StopRecord は録画を停止する
func (m *MockDevice) StopRecord(_ context.Context) error {
	leave, err := m.enter(OpStopRecord)
	defer leave()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = false
	return nil
}

// SwitchCamera はカメラの向きを切り替える
func (m *MockDevice) SwitchCamera(_ context.Context) error {
	leave, err := m.enter(OpSwitchCamera)
	defer leave()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.facing = m.facing.Flip()
	return nil
}

func (m *MockDevice) IsOnPreview() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onPreview
}

func (m *MockDevice) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

func (m *MockDevice) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// EndpointConnection は視聴者向けの接続文字列を返す
func (m *MockDevice) EndpointConnection() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.streaming {
		return ""
	}
	return m.endpoint
}

// Events はイベントチャンネルを返す
func (m *MockDevice) Events() <-chan Event {
	return m.events
}

// Close はデバイスを解放する
func (m *MockDevice) Close() error {
	leave, err := m.enter(OpClose)
	defer leave()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.onPreview = false
	m.streaming = false
	m.recording = false
	m.videoPrepared = false
	return nil
}

// String はデバッグ用の表現を返す
func (m *MockDevice) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MockDevice(facing=%s preview=%t stream=%t record=%t)",
		m.facing, m.onPreview, m.streaming, m.recording)
}
