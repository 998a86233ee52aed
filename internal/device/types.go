package device

import (
	"context"
	"fmt"
	"time"
)

// Facing は選択中のカメラの向きを表す
type Facing string

const (
	FacingBack  Facing = "back"  // 背面カメラ
	FacingFront Facing = "front" // 前面カメラ
)

// Flip は反対側の向きを返す
func (f Facing) Flip() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

// VideoParams は映像パイプラインの準備パラメータ
type VideoParams struct {
	Width    int // 画像幅
	Height   int // 画像高さ
	FPS      int // フレームレート
	Bitrate  int // ビットレート (bps)
	Rotation int // 回転角度 (0/90/180/270)
}

// Validate はパラメータの妥当性を検証する
func (p VideoParams) Validate() error {
	if p.Width <= 0 || p.Width > 4096 {
		return fmt.Errorf("無効な幅: %d", p.Width)
	}
	if p.Height <= 0 || p.Height > 4096 {
		return fmt.Errorf("無効な高さ: %d", p.Height)
	}
	if p.FPS <= 0 || p.FPS > 60 {
		return fmt.Errorf("無効なFPS値: %d", p.FPS)
	}
	if p.Bitrate <= 0 {
		return fmt.Errorf("無効なビットレート: %d", p.Bitrate)
	}
	switch p.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("無効な回転角度: %d", p.Rotation)
	}
	return nil
}

// CameraStreamDevice はカメラ取得・エンコード・ネットワーク配信を担う外部資源
//
// 実装は以下を保証すること：
//   - イベントの送信でメソッド呼び出し元をブロックしない
//   - IsOnPreview / IsStreaming / IsRecording は任意のゴルーチンから呼べる
type CameraStreamDevice interface {
	// PrepareVideo は映像パイプラインを準備する
	PrepareVideo(ctx context.Context, params VideoParams) (bool, error)

	// StartPreview はプレビューを開始する
	StartPreview(ctx context.Context) error

	// StopPreview はプレビューを停止する
	StopPreview(ctx context.Context) error

	// StartStream はRTSP配信を開始する
	StartStream(ctx context.Context, endpointHint string) error

	// StopStream はRTSP配信を停止する
	StopStream(ctx context.Context) error

	// StartRecord は指定パスへの録画を開始する
	StartRecord(ctx context.Context, path string) error

	// StopRecord は録画を停止する
	StopRecord(ctx context.Context) error

	// SwitchCamera は前面／背面カメラを切り替える
	SwitchCamera(ctx context.Context) error

	IsOnPreview() bool
	IsStreaming() bool
	IsRecording() bool

	// EndpointConnection は視聴者向けの接続文字列を返す
	EndpointConnection() string

	// Events は接続・クライアントイベントのチャンネルを返す
	Events() <-chan Event
}

// AudioCapable は音声準備をサポートするデバイスが実装する
type AudioCapable interface {
	// SupportsAudio はこのデバイスで音声準備が可能かを返す
	SupportsAudio() bool

	// PrepareAudio は音声パイプラインを準備する
	PrepareAudio(ctx context.Context) (bool, error)
}

// Opener はレンダリング面に結び付いたデバイスを取得する
type Opener func(ctx context.Context) (CameraStreamDevice, error)

// EventKind はデバイスイベントの種類
type EventKind string

const (
	EventConnectionStarted  EventKind = "connection_started"
	EventConnectionSuccess  EventKind = "connection_success"
	EventConnectionFailed   EventKind = "connection_failed"
	EventDisconnected       EventKind = "disconnected"
	EventAuthError          EventKind = "auth_error"
	EventAuthSuccess        EventKind = "auth_success"
	EventClientConnected    EventKind = "client_connected"
	EventClientDisconnected EventKind = "client_disconnected"
)

// Event はデバイスから非同期に届くイベント
type Event struct {
	Kind   EventKind
	URL    string // ConnectionStarted の接続先
	Reason string // ConnectionFailed の理由
	Addr   string // Client* のクライアントアドレス
	Time   time.Time
}

// IsStreamTerminal は配信状態を強制的にIdleへ戻すイベントかを返す
func (e Event) IsStreamTerminal() bool {
	switch e.Kind {
	case EventConnectionFailed, EventDisconnected, EventAuthError:
		return true
	default:
		return false
	}
}
