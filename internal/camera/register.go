package camera

import (
	"context"
	"fmt"
	"os"

	"rtspcam/internal/device"
	"rtspcam/internal/rtspserver"
)

// Register は v4l2 / screen ドライバーをRegistryへ登録する
//
// どちらもffmpegでキャプチャした映像を rtsp-server と同じ方法で配信する。
// discovery が nil の場合は LinuxDiscovery を使う。
func Register(reg *device.Registry, discovery Discovery) {
	if discovery == nil {
		discovery = NewLinuxDiscovery()
	}
	registerWith(reg, discovery, nil)
}

func registerWith(reg *device.Registry, discovery Discovery, command CommandFunc) {
	rtspserver.RegisterDriver(reg, device.DriverV4L2, func(ctx context.Context, cfg device.DriverConfig) (rtspserver.FrameSource, error) {
		devices := stringList(cfg.Properties["devices"])
		if len(devices) == 0 {
			found, err := discovery.ScanDevices(ctx)
			if err != nil {
				return nil, fmt.Errorf("カメラデバイスの検出に失敗: %w", err)
			}
			devices = found
		}

		back, err := SelectDevice(devices, device.FacingBack)
		if err != nil {
			return nil, err
		}
		front, _ := SelectDevice(devices, device.FacingFront)

		return NewFFmpegSource(ctx, SourceConfig{
			Input:   InputV4L2,
			Devices: map[device.Facing]string{device.FacingBack: back, device.FacingFront: front},
			Video:   cfg.Video,
			Command: command,
		})
	})

	rtspserver.RegisterDriver(reg, device.DriverScreen, func(ctx context.Context, cfg device.DriverConfig) (rtspserver.FrameSource, error) {
		display, _ := cfg.Properties["display"].(string)
		if display == "" {
			display = os.Getenv("DISPLAY")
		}
		if display == "" {
			return nil, fmt.Errorf("X11ディスプレイが指定されていません")
		}

		// 画面キャプチャに向きはないので両方とも同じ入力
		return NewFFmpegSource(ctx, SourceConfig{
			Input:   InputX11Grab,
			Devices: map[device.Facing]string{device.FacingBack: display, device.FacingFront: display},
			Video:   cfg.Video,
			Command: command,
		})
	})
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
