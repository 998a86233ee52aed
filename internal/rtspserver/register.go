package rtspserver

import (
	"context"
	"fmt"

	"rtspcam/internal/device"
)

// SourceFactory はドライバー設定からFrameSourceを作成する関数の型
//
// ctx はデバイスを開く操作のコンテキストで、ソースの初期化（プローブ等）に使う。
type SourceFactory func(ctx context.Context, cfg device.DriverConfig) (FrameSource, error)

// Register は rtsp-server ドライバーをRegistryへ登録する
//
// newSource が nil の場合は組み込みのテストパターンを配信する。
func Register(reg *device.Registry, newSource SourceFactory) {
	if newSource == nil {
		newSource = func(_ context.Context, cfg device.DriverConfig) (FrameSource, error) {
			withAudio, _ := cfg.Properties["audio"].(bool)
			return TestPatternSource(withAudio), nil
		}
	}
	RegisterDriver(reg, device.DriverRTSPServer, newSource)
}

// RegisterDriver は任意のFrameSourceをRTSPで配信するドライバーを name で登録する
func RegisterDriver(reg *device.Registry, name string, newSource SourceFactory) {
	reg.Register(name, func(cfg device.DriverConfig) (device.Opener, error) {
		if cfg.RTSPPort <= 0 || cfg.RTSPPort > 65535 {
			return nil, fmt.Errorf("無効なRTSPポート: %d", cfg.RTSPPort)
		}
		publicHost, _ := cfg.Properties["public_host"].(string)

		return func(ctx context.Context) (device.CameraStreamDevice, error) {
			src, err := newSource(ctx, cfg)
			if err != nil {
				return nil, device.NewError(device.OpOpen, device.CodeCameraOpen, err)
			}
			cam, err := New(Config{
				Address:    fmt.Sprintf(":%d", cfg.RTSPPort),
				PublicHost: publicHost,
				StreamPath: cfg.StreamPath,
				Source:     src,
			})
			if err != nil {
				return nil, device.NewError(device.OpOpen, device.CodeCameraOpen, err)
			}
			return cam, nil
		}, nil
	})
}
