package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rtspcam/internal/device"
)

const (
	listFormatsColor = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 1280x720
	[1]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
`
	listFormatsGrey = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'GREY' (8-bit Greyscale)
`
)

// fakeV4L2 はデバイスごとの v4l2-ctl 出力を返すCommandRunner
func fakeV4L2(names, formats map[string]string) CommandRunner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "v4l2-ctl" || len(args) < 3 {
			return nil, fmt.Errorf("unexpected command: %s %v", name, args)
		}
		dev := filepath.Base(args[1])
		switch args[2] {
		case "--info":
			if n, ok := names[dev]; ok {
				return []byte("Driver Info:\n\tDriver name      : uvcvideo\n\tCard type        : " + n + "\n"), nil
			}
		case "--list-formats-ext":
			if f, ok := formats[dev]; ok {
				return []byte(f), nil
			}
		}
		return nil, fmt.Errorf("no output for %s", dev)
	}
}

func createNodes(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("ファイル作成に失敗: %v", err)
		}
	}
	return dir
}

func TestLinuxDiscovery_ScanDevices(t *testing.T) {
	dir := createNodes(t, "video0", "video1", "video2", "video10", "media0")

	d := &LinuxDiscovery{
		pattern: filepath.Join(dir, "video*"),
		run: fakeV4L2(
			map[string]string{"video0": "Integrated Camera", "video1": "Integrated Camera", "video2": "IR Camera", "video10": "USB Camera"},
			map[string]string{"video0": listFormatsColor, "video1": listFormatsColor, "video2": listFormatsGrey, "video10": listFormatsColor},
		),
	}

	devices, err := d.ScanDevices(context.Background())
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}

	want := []string{filepath.Join(dir, "video0"), filepath.Join(dir, "video10")}
	if len(devices) != len(want) {
		t.Fatalf("Expected %v, got %v", want, devices)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("Expected device %s, got %s", want[i], devices[i])
		}
	}
}

func TestLinuxDiscovery_ScanDevicesCanceled(t *testing.T) {
	dir := createNodes(t, "video0")
	d := &LinuxDiscovery{pattern: filepath.Join(dir, "video*"), run: fakeV4L2(nil, nil)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.ScanDevices(ctx); err == nil {
		t.Error("Expected error for canceled context")
	}
}

func TestLinuxDiscovery_IsDeviceAvailable(t *testing.T) {
	ctx := context.Background()
	dir := createNodes(t, "video0", "notvideo")
	discovery := NewLinuxDiscovery()

	if !discovery.IsDeviceAvailable(ctx, filepath.Join(dir, "video0")) {
		t.Error("Expected existing video node to be available")
	}
	if discovery.IsDeviceAvailable(ctx, filepath.Join(dir, "video999")) {
		t.Error("Expected non-existent device to be unavailable")
	}
	if discovery.IsDeviceAvailable(ctx, filepath.Join(dir, "notvideo")) {
		t.Error("Expected non-video path to be unavailable")
	}
}

func TestLinuxDiscovery_GetDeviceInfo(t *testing.T) {
	ctx := context.Background()
	dir := createNodes(t, "video0", "video3")
	d := &LinuxDiscovery{
		pattern: filepath.Join(dir, "video*"),
		run: fakeV4L2(
			map[string]string{"video0": "Integrated Camera"},
			map[string]string{"video0": listFormatsColor, "video3": listFormatsColor},
		),
	}

	info, err := d.GetDeviceInfo(ctx, filepath.Join(dir, "video0"))
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Name != "Integrated Camera" {
		t.Errorf("Expected name Integrated Camera, got %s", info.Name)
	}
	if strings.Join(info.Formats, ",") != "MJPG,YUYV" {
		t.Errorf("Expected formats MJPG,YUYV, got %v", info.Formats)
	}

	// Card type が取れない場合は番号から生成
	info, err = d.GetDeviceInfo(ctx, filepath.Join(dir, "video3"))
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Name != "カメラ 3" {
		t.Errorf("Expected fallback name, got %s", info.Name)
	}

	if _, err := d.GetDeviceInfo(ctx, filepath.Join(dir, "video9")); err == nil {
		t.Error("Expected error for non-existent device")
	}
}

func TestExtractDeviceNumber(t *testing.T) {
	testCases := map[string]int{
		"/dev/video0":  0,
		"/dev/video12": 12,
		"/dev/media0":  0,
	}
	for input, want := range testCases {
		if got := extractDeviceNumber(input); got != want {
			t.Errorf("extractDeviceNumber(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestSelectDevice(t *testing.T) {
	if _, err := SelectDevice(nil, device.FacingBack); err == nil {
		t.Error("Expected error for empty device list")
	}

	one := []string{"/dev/video0"}
	for _, facing := range []device.Facing{device.FacingBack, device.FacingFront} {
		got, err := SelectDevice(one, facing)
		if err != nil || got != "/dev/video0" {
			t.Errorf("SelectDevice(%s) = %s, %v", facing, got, err)
		}
	}

	two := []string{"/dev/video0", "/dev/video2"}
	if got, _ := SelectDevice(two, device.FacingFront); got != "/dev/video2" {
		t.Errorf("Expected front camera /dev/video2, got %s", got)
	}
	if got, _ := SelectDevice(two, device.FacingBack); got != "/dev/video0" {
		t.Errorf("Expected back camera /dev/video0, got %s", got)
	}
}

func TestMockDiscovery(t *testing.T) {
	ctx := context.Background()
	mockDevices := []string{"/dev/video0", "/dev/video1"}
	discovery := NewMockDiscovery(mockDevices)

	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}
	if len(devices) != len(mockDevices) {
		t.Fatalf("Expected %d devices, got %d", len(mockDevices), len(devices))
	}

	if !discovery.IsDeviceAvailable(ctx, "/dev/video0") {
		t.Error("Expected /dev/video0 to be available")
	}
	if discovery.IsDeviceAvailable(ctx, "/dev/video2") {
		t.Error("Expected /dev/video2 to be unavailable")
	}

	info, err := discovery.GetDeviceInfo(ctx, "/dev/video0")
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Name == "" {
		t.Error("Expected device name to be set")
	}

	_, err = discovery.GetDeviceInfo(ctx, "/dev/video99")
	if err == nil {
		t.Error("Expected error for non-existent device")
	}
}

func TestMockDiscovery_AddRemoveDevice(t *testing.T) {
	ctx := context.Background()
	discovery := NewMockDiscovery([]string{"/dev/video0"})

	discovery.AddDevice("/dev/video1")
	discovery.AddDevice("/dev/video1") // 重複追加は無視
	devices, _ := discovery.ScanDevices(ctx)
	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices after addition, got %d", len(devices))
	}

	discovery.RemoveDevice("/dev/video0")
	devices, _ = discovery.ScanDevices(ctx)
	if len(devices) != 1 {
		t.Fatalf("Expected 1 device after removal, got %d", len(devices))
	}
	if discovery.IsDeviceAvailable(ctx, "/dev/video0") {
		t.Error("Expected /dev/video0 to be unavailable after removal")
	}
}
