package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"rtspcam/internal/device"
	"rtspcam/internal/logging"
)

const waitTimeout = 3 * time.Second

func fastOptions(t *testing.T) Options {
	t.Helper()
	o := DefaultOptions()
	o.InitSettleDelay = time.Millisecond
	o.InitRetryBackoff = 2 * time.Millisecond
	o.ReadySettleDelay = time.Millisecond
	o.PreviewRetryBackoff = time.Millisecond
	o.SwitchStopSettle = time.Millisecond
	o.SwitchSettle = time.Millisecond
	o.SwitchRestartDelay = time.Millisecond
	o.ResetSettle = time.Millisecond
	o.ForceReinitSettle = time.Millisecond
	o.RecordDir = t.TempDir()
	o.Logger = logging.Discard()
	return o
}

func startController(t *testing.T, open device.Opener, opts Options) *Controller {
	t.Helper()
	c := New(open, opts)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Dispose)
	return c
}

func newReadyController(t *testing.T, m *device.MockDevice) *Controller {
	t.Helper()
	c := startController(t, device.MockOpener(m), fastOptions(t))
	waitForStatus(t, c, func(s Status) bool { return s.IsInitialized && s.CameraReady })
	return c
}

func waitForStatus(t *testing.T, c *Controller, cond func(Status) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.Status()) }, waitTimeout, time.Millisecond)
}

// failingOpener は最初のn回失敗し、その後はmを返すOpenerを作成する
func failingOpener(m *device.MockDevice, n int, failure error) (device.Opener, *atomic.Int32) {
	var calls atomic.Int32
	open := device.MockOpener(m)
	return func(ctx context.Context) (device.CameraStreamDevice, error) {
		if int(calls.Add(1)) <= n {
			return nil, failure
		}
		return open(ctx)
	}, &calls
}

func TestController_InitializesAndBecomesReady(t *testing.T) {
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	s := c.Status()
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Equal(t, 1, s.Attempt)
	assert.Empty(t, s.LastError)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, device.FacingBack, s.Facing)
	assert.False(t, s.IsStreaming)
	assert.False(t, s.IsRecording)
}

func TestController_NotInitialized_NoDeviceCalls(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := New(device.MockOpener(m), fastOptions(t))
	t.Cleanup(c.Dispose)

	notes, cancel := c.Notifications()
	defer cancel()
	before := c.Status()

	ops := map[string]func(context.Context) error{
		"StartPreview":    c.StartPreview,
		"StopPreview":     c.StopPreview,
		"ToggleStreaming": c.ToggleStreaming,
		"ToggleRecording": c.ToggleRecording,
		"SwitchCamera":    c.SwitchCamera,
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := op(ctx)
			require.ErrorIs(t, err, ErrNotInitialized)

			var le *Error
			require.ErrorAs(t, err, &le)
			assert.Equal(t, msgNotInitialized, le.Message)

			n := <-notes
			assert.Equal(t, msgNotInitialized, n.Message)
		})
	}

	assert.Empty(t, m.Calls())
	assert.Equal(t, before, c.Status())
}

func TestController_InitRetryCeiling(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	opts := fastOptions(t)
	opts.Clock = fc
	opts.InitSettleDelay = time.Second
	opts.InitRetryBackoff = 2 * time.Second

	m := device.NewMockDevice()
	open, calls := failingOpener(m, 100, errors.New("camera service unavailable"))
	c := startController(t, open, opts)

	for attempt := 1; attempt <= 3; attempt++ {
		require.Eventually(t, fc.HasWaiters, waitTimeout, time.Millisecond, "settle待機 attempt=%d", attempt)
		fc.Step(opts.InitSettleDelay)
		require.Eventually(t, func() bool { return int(calls.Load()) == attempt }, waitTimeout, time.Millisecond)

		if attempt < 3 {
			waitForStatus(t, c, func(s Status) bool { return s.Phase == PhaseError && s.Attempt == attempt })
			assert.False(t, c.Status().Fatal)
			require.Eventually(t, fc.HasWaiters, waitTimeout, time.Millisecond, "backoff待機 attempt=%d", attempt)
			fc.Step(opts.InitRetryBackoff)
		}
	}

	waitForStatus(t, c, func(s Status) bool { return s.Fatal })
	s := c.Status()
	assert.Equal(t, PhaseError, s.Phase)
	assert.Equal(t, KindInitFailed, s.ErrorKind)
	assert.Contains(t, s.LastError, "after 3 attempts")
	assert.False(t, s.IsInitialized)

	// 上限到達後は自動リトライしない
	assert.Never(t, fc.HasWaiters, 50*time.Millisecond, 5*time.Millisecond)
	fc.Step(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestController_InitRecoversWithinCeiling(t *testing.T) {
	m := device.NewMockDevice()
	open, calls := failingOpener(m, 2, errors.New("Camera 0 busy"))
	c := startController(t, open, fastOptions(t))

	waitForStatus(t, c, func(s Status) bool { return s.IsInitialized && s.CameraReady })
	s := c.Status()
	assert.Equal(t, 3, s.Attempt)
	assert.Empty(t, s.LastError)
	assert.Equal(t, KindNone, s.ErrorKind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestController_InitFailureMessage(t *testing.T) {
	m := device.NewMockDevice()
	opts := fastOptions(t)
	opts.InitRetryBackoff = time.Hour
	open, _ := failingOpener(m, 1, errors.New("virtual camera service disallowed by service restrictions"))
	c := startController(t, open, opts)

	waitForStatus(t, c, func(s Status) bool { return s.Phase == PhaseError })
	s := c.Status()
	assert.Equal(t, KindCameraOpenFailure, s.ErrorKind)
	assert.Equal(t, msgRestricted, s.LastError)
	assert.False(t, s.Fatal)
}

func TestController_ResetAfterExhaustion(t *testing.T) {
	m := device.NewMockDevice()
	open, calls := failingOpener(m, 3, errors.New("binder died"))
	c := startController(t, open, fastOptions(t))

	waitForStatus(t, c, func(s Status) bool { return s.Fatal })
	assert.Equal(t, int32(3), calls.Load())

	require.NoError(t, c.ResetCamera(context.Background()))
	waitForStatus(t, c, func(s Status) bool { return s.IsInitialized && s.CameraReady })
	s := c.Status()
	assert.Equal(t, 1, s.Attempt)
	assert.False(t, s.Fatal)
	assert.Empty(t, s.LastError)
}

func TestController_NotReadyBeforeSettle(t *testing.T) {
	m := device.NewMockDevice()
	opts := fastOptions(t)
	opts.ReadySettleDelay = time.Hour
	c := startController(t, device.MockOpener(m), opts)

	waitForStatus(t, c, func(s Status) bool { return s.IsInitialized })
	err := c.ToggleStreaming(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, m.CallCount(device.OpStartStream))
	assert.Zero(t, m.CallCount(device.OpPrepareVideo))
}

func TestController_ToggleStreamingTwice(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	require.NoError(t, c.ToggleStreaming(ctx))
	s := c.Status()
	assert.True(t, s.IsStreaming)
	assert.Equal(t, "rtsp://127.0.0.1:8554/live", s.RTSPEndpoint)
	assert.Equal(t, AudioPreparedNative, s.Audio)

	require.NoError(t, c.ToggleStreaming(ctx))
	s = c.Status()
	assert.False(t, s.IsStreaming)
	assert.Empty(t, s.RTSPEndpoint)
	assert.False(t, m.IsStreaming())
}

func TestController_ConnectionFailedEvent(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	require.NoError(t, c.ToggleStreaming(ctx))
	require.True(t, c.Status().IsStreaming)

	m.Emit(device.Event{Kind: device.EventConnectionFailed, Reason: "timeout"})
	waitForStatus(t, c, func(s Status) bool { return !s.IsStreaming })

	s := c.Status()
	assert.Empty(t, s.RTSPEndpoint)
	assert.Equal(t, "Connection Failed: timeout", s.LastError)
	assert.Equal(t, KindNetworkOrAuthFailure, s.ErrorKind)
	assert.False(t, m.IsStreaming())
	assert.True(t, s.IsInitialized)
}

func TestController_DisconnectAndAuthEvents(t *testing.T) {
	tests := []struct {
		name  string
		event device.Event
	}{
		{"切断", device.Event{Kind: device.EventDisconnected}},
		{"認証エラー", device.Event{Kind: device.EventAuthError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := device.NewMockDevice()
			c := newReadyController(t, m)
			require.NoError(t, c.ToggleStreaming(context.Background()))

			m.Emit(tt.event)
			waitForStatus(t, c, func(s Status) bool { return !s.IsStreaming && s.RTSPEndpoint == "" })
		})
	}
}

// イベントで配信が止まった後の切替は、デバイス側が配信中のままでも開始になる
func TestController_ToggleAfterConnectionEvent(t *testing.T) {
	tests := []struct {
		name  string
		event device.Event
	}{
		{"切断", device.Event{Kind: device.EventDisconnected}},
		{"認証エラー", device.Event{Kind: device.EventAuthError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := device.NewMockDevice()
			c := newReadyController(t, m)
			require.NoError(t, c.ToggleStreaming(ctx))

			m.Emit(tt.event)
			waitForStatus(t, c, func(s Status) bool { return !s.IsStreaming })
			require.True(t, m.IsStreaming())

			require.NoError(t, c.ToggleStreaming(ctx))
			s := c.Status()
			assert.True(t, s.IsStreaming, "calls=%v", m.Calls())
			assert.NotEmpty(t, s.RTSPEndpoint)
			assert.True(t, m.IsStreaming())
			assert.Equal(t, 2, m.CallCount(device.OpStartStream))

			// 次の切替で停止する
			require.NoError(t, c.ToggleStreaming(ctx))
			s = c.Status()
			assert.False(t, s.IsStreaming)
			assert.Empty(t, s.RTSPEndpoint)
			assert.False(t, m.IsStreaming())
		})
	}
}

func TestController_SwitchAfterDisconnectDoesNotRestartStream(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)
	require.NoError(t, c.ToggleStreaming(ctx))

	m.Emit(device.Event{Kind: device.EventDisconnected})
	waitForStatus(t, c, func(s Status) bool { return !s.IsStreaming })

	require.NoError(t, c.SwitchCamera(ctx))
	waitForStatus(t, c, func(s Status) bool { return s.CameraReady })
	assert.False(t, c.Status().IsStreaming)
	assert.False(t, m.IsStreaming())
	assert.Equal(t, 1, m.CallCount(device.OpStartStream))
}

func TestController_FatalFlagOnErrors(t *testing.T) {
	m := device.NewMockDevice()
	opts := fastOptions(t)
	opts.MaxInitAttempts = 1
	open, _ := failingOpener(m, 100, errors.New("binder died"))
	c := startController(t, open, opts)

	waitForStatus(t, c, func(s Status) bool { return s.Fatal })

	err := c.ToggleStreaming(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.True(t, IsFatal(err))

	// 上限到達前の失敗はFatalではない
	m2 := device.NewMockDevice()
	c2 := newReadyController(t, m2)
	m2.SetFailure(device.OpStartStream, errors.New("socket closed"))
	err = c2.ToggleStreaming(context.Background())
	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

func TestController_ClientEvents(t *testing.T) {
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	m.Emit(device.Event{Kind: device.EventClientConnected, Addr: "10.0.0.2:50000"})
	m.Emit(device.Event{Kind: device.EventClientConnected, Addr: "10.0.0.3:50000"})
	waitForStatus(t, c, func(s Status) bool { return len(s.Clients) == 2 })

	m.Emit(device.Event{Kind: device.EventClientDisconnected, Addr: "10.0.0.2:50000"})
	waitForStatus(t, c, func(s Status) bool { return len(s.Clients) == 1 })
	assert.Equal(t, []string{"10.0.0.3:50000"}, c.Status().Clients)
}

func TestController_StaleEventIgnored(t *testing.T) {
	m := device.NewMockDevice()
	c := newReadyController(t, m)
	require.NoError(t, c.ToggleStreaming(context.Background()))

	staleEpoch := c.epoch.Load() - 1
	c.handleEvent(context.Background(), staleEpoch, m, device.Event{Kind: device.EventDisconnected})
	assert.True(t, c.Status().IsStreaming)

	other := device.NewMockDevice()
	c.handleEvent(context.Background(), c.epoch.Load(), other, device.Event{Kind: device.EventDisconnected})
	assert.True(t, c.Status().IsStreaming)
}

func TestController_StreamingAndRecordingIndependent(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	require.NoError(t, c.ToggleRecording(ctx))
	s := c.Status()
	assert.True(t, s.IsRecording)
	assert.False(t, s.IsStreaming)
	assert.Empty(t, s.RTSPEndpoint)

	require.NoError(t, c.ToggleStreaming(ctx))
	s = c.Status()
	assert.True(t, s.IsRecording)
	assert.True(t, s.IsStreaming)

	require.NoError(t, c.ToggleStreaming(ctx))
	s = c.Status()
	assert.True(t, s.IsRecording)
	assert.False(t, s.IsStreaming)

	require.NoError(t, c.ToggleRecording(ctx))
	assert.False(t, c.Status().IsRecording)
}

func TestController_RecordingPath(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	opts := fastOptions(t)
	c := startController(t, device.MockOpener(m), opts)
	waitForStatus(t, c, func(s Status) bool { return s.CameraReady })

	require.NoError(t, c.ToggleRecording(ctx))
	path := c.Status().RecordingPath
	assert.Equal(t, opts.RecordDir, filepath.Dir(path))
	assert.Regexp(t, `^\d{8}_\d{6}\.mp4$`, filepath.Base(path))
	assert.Equal(t, path, m.RecordPath())
}

func TestController_SwitchCameraRestoresActivity(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	require.NoError(t, c.StartPreview(ctx))
	require.NoError(t, c.ToggleStreaming(ctx))
	require.NoError(t, c.ToggleRecording(ctx))
	m.ResetCalls()

	require.NoError(t, c.SwitchCamera(ctx))

	s := c.Status()
	assert.True(t, s.IsStreaming)
	assert.True(t, s.IsRecording)
	assert.True(t, s.Preview)
	assert.True(t, s.CameraReady)
	assert.Equal(t, device.FacingFront, s.Facing)
	assert.Equal(t, device.FacingFront, m.Facing())

	calls := m.Calls()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []string{
		device.OpStopPreview, device.OpStopStream, device.OpStopRecord, device.OpSwitchCamera,
	}, calls[:4])
}

func TestController_SwitchCameraFailure(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)
	m.SetFailure(device.OpSwitchCamera, errors.New("only one camera available"))

	err := c.SwitchCamera(ctx)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, CategorySwitchCameraFailure, le.Category)

	s := c.Status()
	assert.True(t, s.IsInitialized)
	assert.True(t, s.CameraReady)
	assert.Equal(t, device.FacingBack, s.Facing)
	assert.Equal(t, "Camera switch error: only one camera available", s.LastError)

	// セッションは引き続き利用可能
	m.SetFailure(device.OpSwitchCamera, nil)
	require.NoError(t, c.ToggleStreaming(ctx))
}

func TestController_AudioFallback(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(m *device.MockDevice)
		wantAudio AudioReadiness
	}{
		{
			name:      "音声未サポート",
			setup:     func(m *device.MockDevice) { m.SetAudioSupported(false) },
			wantAudio: AudioUnavailable,
		},
		{
			name: "音声準備の失敗",
			setup: func(m *device.MockDevice) {
				m.FailNext(device.OpPrepareAudio, errors.New("audio source busy"), 1)
			},
			wantAudio: AudioPreparedFallback,
		},
		{
			name:      "音声準備がfalseを返す",
			setup:     func(m *device.MockDevice) { m.SetPrepareAudioResult(false) },
			wantAudio: AudioPreparedFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := device.NewMockDevice()
			tt.setup(m)
			c := newReadyController(t, m)

			require.NoError(t, c.ToggleStreaming(context.Background()))
			s := c.Status()
			assert.True(t, s.IsStreaming)
			assert.NotEmpty(t, s.RTSPEndpoint)
			assert.Equal(t, tt.wantAudio, s.Audio)
		})
	}
}

func TestController_VideoPrepareFailureAborts(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)
	m.SetFailure(device.OpPrepareVideo,
		device.NewError(device.OpPrepareVideo, device.CodeParameters, errors.New("NullPointerException")))

	err := c.ToggleStreaming(ctx)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, CategoryStreamOrRecordStartFailure, le.Category)
	assert.Equal(t, KindParameterIncompatibility, le.Kind)

	assert.Equal(t, 3, m.CallCount(device.OpPrepareVideo))
	assert.Zero(t, m.CallCount(device.OpStartStream))
	s := c.Status()
	assert.False(t, s.IsStreaming)
	assert.Empty(t, s.RTSPEndpoint)
	assert.Equal(t, msgVideoParameters, s.LastError)
}

func TestController_StartStreamFailureLeavesStateUnchanged(t *testing.T) {
	m := device.NewMockDevice()
	c := newReadyController(t, m)
	m.FailNext(device.OpStartStream, errors.New("port 8554 in use"), 1)

	err := c.ToggleStreaming(context.Background())
	require.Error(t, err)
	s := c.Status()
	assert.False(t, s.IsStreaming)
	assert.Empty(t, s.RTSPEndpoint)
	assert.Equal(t, "Streaming error: port 8554 in use", s.LastError)
	assert.True(t, s.IsInitialized)
}

func TestController_PreviewRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("再試行で成功", func(t *testing.T) {
		m := device.NewMockDevice()
		c := newReadyController(t, m)
		m.FailNext(device.OpStartPreview, errors.New("getParameters: NullPointerException"), 2)

		require.NoError(t, c.StartPreview(ctx))
		assert.Equal(t, 3, m.CallCount(device.OpStartPreview))
		assert.True(t, c.Status().Preview)
	})

	t.Run("再試行の上限", func(t *testing.T) {
		m := device.NewMockDevice()
		c := newReadyController(t, m)
		m.SetFailure(device.OpStartPreview, errors.New("Parameters failed"))

		err := c.StartPreview(ctx)
		var le *Error
		require.ErrorAs(t, err, &le)
		assert.Equal(t, CategoryPreviewFailure, le.Category)
		assert.Equal(t, 4, m.CallCount(device.OpStartPreview))

		s := c.Status()
		assert.Equal(t, msgParameters, s.LastError)
		assert.True(t, s.IsInitialized)
		assert.False(t, s.Fatal)
	})

	t.Run("パラメータ以外の失敗は再試行しない", func(t *testing.T) {
		m := device.NewMockDevice()
		c := newReadyController(t, m)
		m.SetFailure(device.OpStartPreview, errors.New("surface gone"))

		require.Error(t, c.StartPreview(ctx))
		assert.Equal(t, 1, m.CallCount(device.OpStartPreview))
		assert.Equal(t, "Preview start failed: surface gone", c.Status().LastError)
	})
}

func TestController_PreviewIdempotent(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	require.NoError(t, c.StartPreview(ctx))
	require.NoError(t, c.StartPreview(ctx))
	assert.Equal(t, 1, m.CallCount(device.OpStartPreview))

	require.NoError(t, c.StopPreview(ctx))
	require.NoError(t, c.StopPreview(ctx))
	assert.Equal(t, 1, m.CallCount(device.OpStopPreview))
	assert.False(t, c.Status().Preview)
}

func TestController_DevicePanicDoesNotCrash(t *testing.T) {
	m := device.NewMockDevice()
	c := newReadyController(t, m)
	m.SetPanic(device.OpStartPreview, "native crash")

	var err error
	assert.NotPanics(t, func() { err = c.StartPreview(context.Background()) })
	require.Error(t, err)

	s := c.Status()
	assert.True(t, s.IsInitialized)
	assert.NotEmpty(t, s.LastError)
}

func TestController_Reset(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	opts := fastOptions(t)
	opts.ResetSettle = 200 * time.Millisecond
	c := startController(t, device.MockOpener(m), opts)
	waitForStatus(t, c, func(s Status) bool { return s.CameraReady })

	require.NoError(t, c.StartPreview(ctx))
	require.NoError(t, c.ToggleStreaming(ctx))
	require.NoError(t, c.ToggleRecording(ctx))

	updates, cancel := c.Subscribe()
	defer cancel()
	m.ResetCalls()

	require.NoError(t, c.ResetCamera(ctx))

	// 戻った時点でフラグはすべてクリアされている
	s := c.Status()
	assert.Equal(t, PhaseUninitialized, s.Phase)
	assert.False(t, s.IsStreaming)
	assert.False(t, s.IsRecording)
	assert.Empty(t, s.RTSPEndpoint)
	assert.False(t, s.IsInitialized)
	assert.Zero(t, s.Attempt)

	assert.Equal(t, []string{
		device.OpStopRecord, device.OpStopStream, device.OpStopPreview, device.OpClose,
	}, m.Calls())

	waitForStatus(t, c, func(s Status) bool { return s.IsInitialized && s.CameraReady })
	assert.Equal(t, 1, c.Status().Attempt)

	// Uninitialized を経由して Initializing に入る
	var phases []Phase
	drain := time.After(50 * time.Millisecond)
loop:
	for {
		select {
		case st := <-updates:
			if len(phases) == 0 || phases[len(phases)-1] != st.Phase {
				phases = append(phases, st.Phase)
			}
		case <-drain:
			break loop
		}
	}
	idxU := indexOf(phases, PhaseUninitialized)
	idxI := indexOf(phases, PhaseInitializing)
	require.NotEqual(t, -1, idxU, "phases=%v", phases)
	require.NotEqual(t, -1, idxI, "phases=%v", phases)
	assert.Less(t, idxU, idxI)
}

func indexOf(phases []Phase, p Phase) int {
	for i, v := range phases {
		if v == p {
			return i
		}
	}
	return -1
}

func TestController_ForceReinitialize(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	require.NoError(t, c.ToggleStreaming(ctx))
	m.ResetCalls()

	require.NoError(t, c.ForceReinitialize(ctx))
	s := c.Status()
	assert.False(t, s.IsStreaming)
	assert.Empty(t, s.RTSPEndpoint)

	assert.Equal(t, []string{device.OpClose}, m.Calls())
	waitForStatus(t, c, func(s Status) bool { return s.IsInitialized && s.CameraReady })
}

func TestController_ResetWhileInitializing(t *testing.T) {
	m := device.NewMockDevice()
	opts := fastOptions(t)
	opts.InitRetryBackoff = time.Hour
	open, calls := failingOpener(m, 1, errors.New("binder died"))
	c := startController(t, open, opts)

	waitForStatus(t, c, func(s Status) bool { return s.Phase == PhaseError })
	require.NoError(t, c.ResetCamera(context.Background()))

	waitForStatus(t, c, func(s Status) bool { return s.IsInitialized && s.CameraReady })
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, c.Status().Attempt)
}

func TestController_Dispose(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	require.NoError(t, c.StartPreview(ctx))
	require.NoError(t, c.ToggleStreaming(ctx))
	require.NoError(t, c.ToggleRecording(ctx))
	m.ResetCalls()

	c.Dispose()
	assert.Equal(t, []string{
		device.OpStopRecord, device.OpStopStream, device.OpStopPreview, device.OpClose,
	}, m.Calls())

	assert.ErrorIs(t, c.ToggleStreaming(ctx), ErrDisposed)
	assert.ErrorIs(t, c.ResetCamera(ctx), ErrDisposed)
	assert.NotPanics(t, c.Dispose)
}

func TestController_DisposeSuppressesFailures(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	require.NoError(t, c.StartPreview(ctx))
	require.NoError(t, c.ToggleRecording(ctx))
	m.SetPanic(device.OpStopRecord, "boom")
	m.SetFailure(device.OpStopPreview, errors.New("already released"))

	assert.NotPanics(t, c.Dispose)
	assert.Equal(t, 1, m.CallCount(device.OpClose))
}

func TestController_SubscribeAndNotifications(t *testing.T) {
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	updates, cancelUpdates := c.Subscribe()
	defer cancelUpdates()
	first := <-updates
	assert.True(t, first.IsInitialized)

	notes, cancelNotes := c.Notifications()
	defer cancelNotes()

	require.NoError(t, c.ToggleStreaming(context.Background()))

	require.Eventually(t, func() bool {
		select {
		case s := <-updates:
			return s.IsStreaming
		default:
			return false
		}
	}, waitTimeout, time.Millisecond)

	found := false
	timeout := time.After(waitTimeout)
	for !found {
		select {
		case n := <-notes:
			assert.NotEmpty(t, n.ID)
			found = strings.HasPrefix(n.Message, "Stream started: ")
		case <-timeout:
			t.Fatal("配信開始の通知が届きません")
		}
	}
}

func TestController_GuardExclusionUnderStress(t *testing.T) {
	m := device.NewMockDevice(device.WithCallDelay(100 * time.Microsecond))
	c := newReadyController(t, m)

	ops := []func(context.Context) error{
		c.StartPreview,
		c.StopPreview,
		c.ToggleStreaming,
		c.ToggleRecording,
		c.SwitchCamera,
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 15; i++ {
				_ = ops[r.Intn(len(ops))](context.Background())
				if r.Intn(10) == 0 {
					m.Emit(device.Event{Kind: device.EventConnectionFailed, Reason: fmt.Sprintf("worker %d", seed)})
				}
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Equal(t, 1, m.MaxConcurrent())
	assert.True(t, c.Status().IsInitialized)
}

func TestController_EndpointIffStreaming(t *testing.T) {
	ctx := context.Background()
	m := device.NewMockDevice()
	c := newReadyController(t, m)

	updates, cancel := c.Subscribe()
	defer cancel()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.ToggleStreaming(ctx))
	}
	m.Emit(device.Event{Kind: device.EventDisconnected})
	time.Sleep(20 * time.Millisecond)

	for {
		select {
		case s := <-updates:
			assert.Equal(t, s.IsStreaming, s.RTSPEndpoint != "", "status=%+v", s)
		default:
			return
		}
	}
}
