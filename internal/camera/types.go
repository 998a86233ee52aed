package camera

import (
	"context"
	"os/exec"
)

// 入力形式（ffmpeg の -f に渡す値）
const (
	InputV4L2    = "v4l2"
	InputX11Grab = "x11grab"
)

// DeviceInfo はカメラデバイスの情報を表す
type DeviceInfo struct {
	Device  string   // デバイスパス（例: /dev/video0）
	Name    string   // 表示名（v4l2-ctl の Card type）
	Formats []string // 対応するピクセルフォーマット（YUYV, MJPG など）
}

// Discovery はカメラデバイスの検出を担うインターフェース
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// CommandRunner は外部コマンドを実行して標準出力を返す関数の型
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandFunc はffmpegプロセスを作成する関数の型
type CommandFunc func(ctx context.Context, args []string) *exec.Cmd

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ffmpegCommand は PATH 上の ffmpeg を起動する
func ffmpegCommand(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", args...)
}
