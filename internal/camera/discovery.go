package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"rtspcam/internal/device"
)

var (
	videoDevicePattern = regexp.MustCompile(`^video(\d+)$`)
	pixelFormatPattern = regexp.MustCompile(`'([0-9A-Z]{3,4})'`)
)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	pattern string
	run     CommandRunner
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		pattern: "/dev/video*",
		run:     runCommand,
	}
}

// ScanDevices はカラー映像を出力できるデバイスを番号順に返す
//
// 同じカメラが複数のノードを持つ場合は最も小さい番号のみを返す。
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}
		info, err := d.GetDeviceInfo(ctx, match)
		if err != nil || !hasColorFormat(info.Formats) {
			continue
		}
		if info.Name != "" && seen[info.Name] {
			continue
		}
		seen[info.Name] = true
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが読み取り可能なV4L2ノードかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoDevicePattern.MatchString(filepath.Base(device)) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はv4l2-ctlでデバイス名と対応フォーマットを取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info := &DeviceInfo{Device: device}

	if out, err := d.run(ctx, "v4l2-ctl", "--device", device, "--info"); err == nil {
		info.Name = parseCardType(string(out))
	}
	if info.Name == "" {
		info.Name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	out, err := d.run(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
	if err != nil {
		return nil, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}
	info.Formats = parsePixelFormats(string(out))

	return info, nil
}

// parseCardType は v4l2-ctl --info の出力から "Card type" を取り出す
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// parsePixelFormats は v4l2-ctl --list-formats-ext の出力からフォーマット名を取り出す
func parsePixelFormats(output string) []string {
	var formats []string
	seen := make(map[string]bool)
	for _, m := range pixelFormatPattern.FindAllStringSubmatch(output, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			formats = append(formats, m[1])
		}
	}
	return formats
}

// hasColorFormat はグレースケール専用（IRカメラなど）でないかを判定する
func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		switch f {
		case "YUYV", "MJPG", "NV12", "H264":
			return true
		}
	}
	return false
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoDevicePattern.FindStringSubmatch(filepath.Base(device))
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// SelectDevice は向きに対応するデバイスを選ぶ
//
// 背面は先頭のデバイス、前面は2番目のデバイス。1台しかなければ両方とも同じデバイスになる。
func SelectDevice(devices []string, facing device.Facing) (string, error) {
	if len(devices) == 0 {
		return "", fmt.Errorf("利用可能なカメラデバイスがありません")
	}
	if facing == device.FacingFront && len(devices) > 1 {
		return devices[1], nil
	}
	return devices[0], nil
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices []string
	infos   map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{infos: make(map[string]*DeviceInfo)}
	for _, dev := range devices {
		m.AddDevice(dev)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	_, exists := m.infos[device]
	return exists
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	info, exists := m.infos[device]
	if !exists {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	if _, exists := m.infos[device]; exists {
		return
	}
	m.devices = append(m.devices, device)
	m.infos[device] = &DeviceInfo{
		Device:  device,
		Name:    fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Formats: []string{"MJPG", "YUYV"},
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.infos, device)
}
