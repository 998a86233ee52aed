package lifecycle

import (
	"slices"
	"time"

	"rtspcam/internal/device"
)

// Phase はセッションの状態
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseReady         Phase = "ready"
	PhaseError         Phase = "error"
)

// AudioReadiness は音声準備の状態
type AudioReadiness string

const (
	AudioNotPrepared      AudioReadiness = "not_prepared"
	AudioPreparedNative   AudioReadiness = "prepared_native"
	AudioPreparedFallback AudioReadiness = "prepared_fallback" // 映像のみで続行
	AudioUnavailable      AudioReadiness = "unavailable"       // このセッションでは音声を使わない
)

// Prepared は音声準備の判定が済んでいるかを返す
func (a AudioReadiness) Prepared() bool {
	return a != AudioNotPrepared
}

// State はControllerが保持する単一の状態レコード
//
// Guardを保持している間だけ変更される。
type State struct {
	Phase     Phase
	Attempt   int
	ErrorKind Kind
	LastError string
	Fatal     bool

	Streaming  bool
	Endpoint   string
	Recording  bool
	RecordPath string
	Preview    bool

	Audio         AudioReadiness
	VideoPrepared bool
	CameraReady   bool
	Facing        device.Facing

	SessionID string
	Clients   []string
}

// initialState はセッション破棄後の状態を返す
func initialState() State {
	return State{
		Phase:  PhaseUninitialized,
		Audio:  AudioNotPrepared,
		Facing: device.FacingBack,
	}
}

// clearStream は配信状態をIdleに戻す
func (s *State) clearStream() {
	s.Streaming = false
	s.Endpoint = ""
}

// setError はエラー状態を記録する
func (s *State) setError(kind Kind, message string) {
	s.ErrorKind = kind
	s.LastError = message
}

// clearError はエラー状態を消去する
func (s *State) clearError() {
	s.ErrorKind = KindNone
	s.LastError = ""
	s.Fatal = false
}

func (s *State) addClient(addr string) {
	if addr == "" || slices.Contains(s.Clients, addr) {
		return
	}
	s.Clients = append(slices.Clone(s.Clients), addr)
}

func (s *State) removeClient(addr string) {
	s.Clients = slices.DeleteFunc(slices.Clone(s.Clients), func(c string) bool { return c == addr })
}

// snapshot は状態から公開用のStatusを作成する
func (s State) snapshot(now time.Time) Status {
	return Status{
		IsStreaming:   s.Streaming,
		IsRecording:   s.Recording,
		RTSPEndpoint:  s.Endpoint,
		LastError:     s.LastError,
		IsInitialized: s.Phase == PhaseReady,
		Phase:         s.Phase,
		Attempt:       s.Attempt,
		ErrorKind:     s.ErrorKind,
		Fatal:         s.Fatal,
		Preview:       s.Preview,
		CameraReady:   s.CameraReady,
		Audio:         s.Audio,
		Facing:        s.Facing,
		RecordingPath: s.RecordPath,
		Clients:       slices.Clone(s.Clients),
		SessionID:     s.SessionID,
		UpdatedAt:     now,
	}
}
