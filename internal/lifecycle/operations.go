package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"rtspcam/internal/device"
)

// intent は配信・録画の切替要求
type intent int

const (
	intentToggle intent = iota
	intentOn
	intentOff
)

func (i intent) target(current bool) bool {
	switch i {
	case intentOn:
		return true
	case intentOff:
		return false
	default:
		return !current
	}
}

// run はGuardを取得してfnを実行する
//
// fnの外で発生したpanic等の予期しない失敗も分類して記録する。
func (c *Controller) run(ctx context.Context, op string, scope Scope, fn func(ctx context.Context) error) error {
	if c.disposed.Load() {
		return preconditionError(op, ErrDisposed, "Controller disposed")
	}

	err := c.guard.Do(ctx, fn)
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) || ctx.Err() != nil {
		return err
	}

	// panic等、fn内で分類されなかった失敗
	var classified error = err
	_ = c.guard.Do(context.WithoutCancel(ctx), func(_ context.Context) error {
		classified = c.fail(op, scope, err)
		return nil
	})
	return classified
}

// fail は失敗を分類し、lastErrorと通知に反映する（guard保持中に呼ぶ）
func (c *Controller) fail(op string, scope Scope, err error) *Error {
	cls := Classify(scope, err)
	c.state.setError(cls.Kind, cls.Message)
	c.publish()
	c.notify(LevelError, cls.Message)
	c.log.Warn("操作に失敗", "op", op, "scope", scope, "kind", cls.Kind, "action", cls.Action, "error", err)
	e := newError(op, cls, err)
	e.Fatal = c.state.Fatal
	return e
}

// requireSession はセッションがReadyであることを確認する（guard保持中に呼ぶ）
func (c *Controller) requireSession(op string) (device.CameraStreamDevice, error) {
	if c.state.Phase != PhaseReady || c.dev == nil {
		c.notify(LevelWarn, msgNotInitialized)
		e := preconditionError(op, ErrNotInitialized, msgNotInitialized)
		e.Fatal = c.state.Fatal
		return nil, e
	}
	return c.dev, nil
}

// requireCameraReady はプレビュー準備の待機が済んでいることを確認する（guard保持中に呼ぶ）
func (c *Controller) requireCameraReady(op string) error {
	if !c.state.CameraReady {
		c.notify(LevelWarn, msgNotReady)
		return preconditionError(op, ErrNotReady, msgNotReady)
	}
	return nil
}

// StartPreview はプレビューを開始する
//
// パラメータ非互換による失敗はGuardを解放して待機した後に再試行する。
func (c *Controller) StartPreview(ctx context.Context) error {
	const op = "StartPreview"

	for failures := 0; ; {
		retry := false
		err := c.run(ctx, op, ScopePreview, func(ctx context.Context) error {
			dev, err := c.requireSession(op)
			if err != nil {
				return err
			}
			if err := c.requireCameraReady(op); err != nil {
				return err
			}
			if dev.IsOnPreview() {
				if !c.state.Preview {
					c.state.Preview = true
					c.publish()
				}
				return nil
			}

			if err := dev.StartPreview(ctx); err != nil {
				cls := Classify(ScopePreview, err)
				if cls.Action == ActionRetryPreviewWithBackoff && failures < c.opts.PreviewRetryAttempts {
					failures++
					c.log.Warn("プレビュー開始に失敗、再試行します",
						"retry", failures, "max", c.opts.PreviewRetryAttempts, "error", err)
					retry = true
					return nil
				}
				return c.fail(op, ScopePreview, err)
			}

			c.state.Preview = true
			c.publish()
			c.notify(LevelInfo, "Preview started")
			return nil
		})
		if !retry {
			return err
		}
		if err := c.sleep(ctx, c.opts.PreviewRetryBackoff); err != nil {
			return err
		}
	}
}

// StopPreview はプレビューを停止する
func (c *Controller) StopPreview(ctx context.Context) error {
	const op = "StopPreview"

	return c.run(ctx, op, ScopePreview, func(ctx context.Context) error {
		dev, err := c.requireSession(op)
		if err != nil {
			return err
		}
		if !dev.IsOnPreview() {
			if c.state.Preview {
				c.state.Preview = false
				c.publish()
			}
			return nil
		}

		if err := dev.StopPreview(ctx); err != nil {
			return c.fail(op, ScopePreview, err)
		}
		c.state.Preview = false
		c.publish()
		c.notify(LevelInfo, "Preview stopped")
		return nil
	})
}

// ToggleStreaming は配信の開始／停止を切り替える
func (c *Controller) ToggleStreaming(ctx context.Context) error {
	return c.setStreaming(ctx, "ToggleStreaming", intentToggle)
}

// ToggleRecording は録画の開始／停止を切り替える
func (c *Controller) ToggleRecording(ctx context.Context) error {
	return c.setRecording(ctx, "ToggleRecording", intentToggle)
}

func (c *Controller) setStreaming(ctx context.Context, op string, in intent) error {
	return c.run(ctx, op, ScopeStream, func(ctx context.Context) error {
		dev, err := c.requireSession(op)
		if err != nil {
			return err
		}

		// 切替はControllerの状態で判断する。切断イベント後もデバイス側は配信中のことがある
		streaming := c.state.Streaming
		if !in.target(streaming) {
			if !streaming {
				return nil
			}
			if err := dev.StopStream(ctx); err != nil {
				if !dev.IsStreaming() {
					c.state.clearStream()
				}
				return c.fail(op, ScopeStream, err)
			}
			c.state.clearStream()
			c.publish()
			c.notify(LevelInfo, "Stream stopped")
			return nil
		}
		if streaming {
			return nil
		}

		if err := c.requireCameraReady(op); err != nil {
			return err
		}
		if dev.IsStreaming() {
			if err := dev.StopStream(ctx); err != nil {
				c.log.Debug("残っていた配信の停止に失敗", "error", err)
			}
		}
		videoOnly, err := c.prepare(ctx, op, dev)
		if err != nil {
			return err
		}
		if videoOnly {
			c.notify(LevelWarn, "Starting video-only stream (audio unavailable)")
		}

		if err := dev.StartStream(ctx, c.opts.EndpointHint); err != nil {
			return c.fail(op, ScopeStream, err)
		}
		c.state.Streaming = true
		c.state.Endpoint = c.endpointOf(dev)
		c.publish()
		c.notify(LevelInfo, "Stream started: "+c.state.Endpoint)
		return nil
	})
}

func (c *Controller) setRecording(ctx context.Context, op string, in intent) error {
	return c.run(ctx, op, ScopeRecord, func(ctx context.Context) error {
		dev, err := c.requireSession(op)
		if err != nil {
			return err
		}

		recording := c.state.Recording
		if !in.target(recording) {
			if !recording {
				return nil
			}
			if err := dev.StopRecord(ctx); err != nil {
				if !dev.IsRecording() {
					c.state.Recording = false
				}
				return c.fail(op, ScopeRecord, err)
			}
			path := c.state.RecordPath
			c.state.Recording = false
			c.state.RecordPath = ""
			c.publish()
			c.notify(LevelInfo, "Recording saved: "+path)
			return nil
		}
		if recording {
			return nil
		}

		if err := c.requireCameraReady(op); err != nil {
			return err
		}
		if dev.IsRecording() {
			if err := dev.StopRecord(ctx); err != nil {
				c.log.Debug("残っていた録画の停止に失敗", "error", err)
			}
		}
		videoOnly, err := c.prepare(ctx, op, dev)
		if err != nil {
			return err
		}
		if videoOnly {
			c.notify(LevelWarn, "Starting video-only recording (audio unavailable)")
		}

		path := c.opts.RecordPath(c.clock.Now())
		if err := dev.StartRecord(ctx, path); err != nil {
			return c.fail(op, ScopeRecord, err)
		}
		c.state.Recording = true
		c.state.RecordPath = path
		c.publish()
		c.notify(LevelInfo, "Recording started: "+path)
		return nil
	})
}

// prepare は映像を準備し、可能なら音声も準備する（guard保持中に呼ぶ）
//
// videoOnly は音声なしで続行することを表す。
func (c *Controller) prepare(ctx context.Context, op string, dev device.CameraStreamDevice) (bool, error) {
	if !c.state.VideoPrepared {
		var lastErr error
		for attempt := 1; attempt <= c.opts.VideoPrepareAttempts; attempt++ {
			ok, err := dev.PrepareVideo(ctx, c.opts.Video)
			if err == nil && ok {
				c.state.VideoPrepared = true
				break
			}
			if err == nil {
				err = device.Errorf(device.OpPrepareVideo, device.CodeParameters, "映像パイプラインの準備に失敗しました")
			}
			lastErr = err
			if Classify(ScopeVideo, err).Action != ActionRetryPreviewWithBackoff {
				break
			}
			c.log.Debug("映像準備を再試行します", "attempt", attempt, "error", err)
		}
		if !c.state.VideoPrepared {
			return false, c.fail(op, ScopeVideo, lastErr)
		}
	}

	if !c.state.Audio.Prepared() {
		c.prepareAudio(ctx, dev)
	}
	return c.state.Audio != AudioPreparedNative, nil
}

// prepareAudio は音声を準備する。失敗しても映像のみで続行する（guard保持中に呼ぶ）
func (c *Controller) prepareAudio(ctx context.Context, dev device.CameraStreamDevice) {
	ac, ok := dev.(device.AudioCapable)
	if !ok || !ac.SupportsAudio() {
		c.state.Audio = AudioUnavailable
		c.log.Info("音声準備は未サポートのため映像のみで続行します")
		c.notify(LevelWarn, msgAudioUnsupported)
		return
	}

	prepared, err := ac.PrepareAudio(ctx)
	if err == nil && prepared {
		c.state.Audio = AudioPreparedNative
		return
	}
	if err == nil {
		err = device.Errorf(device.OpPrepareAudio, device.CodeUnknown, "音声パイプラインの準備に失敗しました")
	}

	cls := Classify(ScopeAudio, err)
	if cls.Kind == KindAudioUnsupported {
		c.state.Audio = AudioUnavailable
	} else {
		c.state.Audio = AudioPreparedFallback
	}
	c.state.setError(cls.Kind, cls.Message)
	c.notify(LevelWarn, cls.Message)
	c.log.Warn("音声準備に失敗、映像のみで続行します", "audio", c.state.Audio, "error", err)
}

// SwitchCamera は前面／背面カメラを切り替える
//
// 切替前に配信・録画中だった場合は、切替後にそれぞれ再開する。再開の失敗は
// 他方に影響しない。
func (c *Controller) SwitchCamera(ctx context.Context) error {
	const op = "SwitchCamera"

	var (
		dev                        device.CameraStreamDevice
		epoch                      uint64
		wasStreaming, wasRecording bool
	)
	err := c.run(ctx, op, ScopeSwitch, func(ctx context.Context) error {
		d, err := c.requireSession(op)
		if err != nil {
			return err
		}
		if err := c.requireCameraReady(op); err != nil {
			return err
		}
		dev = d
		epoch = c.epoch.Load()
		wasStreaming = c.state.Streaming
		wasRecording = c.state.Recording

		var errs error
		if dev.IsOnPreview() {
			errs = multierr.Append(errs, safe(func() error { return dev.StopPreview(ctx) }))
		}
		if dev.IsStreaming() {
			errs = multierr.Append(errs, safe(func() error { return dev.StopStream(ctx) }))
		}
		if dev.IsRecording() {
			errs = multierr.Append(errs, safe(func() error { return dev.StopRecord(ctx) }))
		}
		if errs != nil {
			c.log.Warn("切替前の停止処理でエラー（無視）", "error", errs)
		}

		c.state.Preview = false
		c.state.clearStream()
		c.state.Recording = false
		c.state.RecordPath = ""
		c.state.CameraReady = false
		c.state.VideoPrepared = false
		c.state.Audio = AudioNotPrepared
		c.publish()
		return nil
	})
	if err != nil {
		return err
	}

	// 開始後は呼び出し元のキャンセルではなくControllerの破棄でのみ中断する
	sctx := c.ctx

	if err := c.sleep(sctx, c.opts.SwitchStopSettle); err != nil {
		return err
	}

	err = c.run(sctx, op, ScopeSwitch, func(ctx context.Context) error {
		if !c.sameSession(epoch, dev) {
			return preconditionError(op, ErrSessionLost, "Camera session was reset during switch")
		}
		if err := safe(func() error { return dev.SwitchCamera(ctx) }); err != nil {
			c.state.CameraReady = true
			c.publish()
			return c.fail(op, ScopeSwitch, err)
		}
		c.state.Facing = c.state.Facing.Flip()
		c.publish()
		c.log.Info("カメラを切り替えました", "facing", c.state.Facing)
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.sleep(sctx, c.opts.SwitchSettle); err != nil {
		return err
	}
	err = c.run(sctx, op, ScopeSwitch, func(_ context.Context) error {
		if !c.sameSession(epoch, dev) {
			return preconditionError(op, ErrSessionLost, "Camera session was reset during switch")
		}
		c.state.CameraReady = true
		c.publish()
		c.notify(LevelInfo, "Camera switched successfully")
		return nil
	})
	if err != nil {
		return err
	}

	errs := c.StartPreview(sctx)
	if wasStreaming {
		errs = multierr.Append(errs, c.restart(sctx, c.opts.SwitchRestartDelay, func() error {
			return c.setStreaming(sctx, op, intentOn)
		}))
	}
	if wasRecording {
		errs = multierr.Append(errs, c.restart(sctx, c.opts.SwitchRestartDelay, func() error {
			return c.setRecording(sctx, op, intentOn)
		}))
	}
	return errs
}

func (c *Controller) restart(ctx context.Context, delay time.Duration, fn func() error) error {
	if err := c.sleep(ctx, delay); err != nil {
		return err
	}
	return fn()
}

// ResetCamera はセッションを破棄して初期化をやり直す
//
// 戻った時点で配信・録画・エンドポイントはすべてクリアされている。
func (c *Controller) ResetCamera(ctx context.Context) error {
	return c.reinitialize(ctx, "ResetCamera", true, c.opts.ResetSettle, "Resetting camera...")
}

// ForceReinitialize は停止処理を行わずにセッションを破棄して初期化をやり直す
func (c *Controller) ForceReinitialize(ctx context.Context) error {
	return c.reinitialize(ctx, "ForceReinitialize", false, c.opts.ForceReinitSettle, "Force reinitializing camera...")
}

func (c *Controller) reinitialize(ctx context.Context, op string, graceful bool, settle time.Duration, message string) error {
	if c.disposed.Load() {
		return preconditionError(op, ErrDisposed, "Controller disposed")
	}

	epoch := c.invalidate()
	err := c.guard.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if errs := c.detach(ctx, graceful); errs != nil {
			c.log.Warn("セッション破棄中のエラー（無視）", "op", op, "error", errs)
		}
		c.state = initialState()
		c.publish()
		return nil
	})
	if err != nil {
		return err
	}

	c.notify(LevelInfo, message)
	c.log.Info("初期化をやり直します", "op", op, "settle", settle)
	c.startInit(epoch, settle)
	return nil
}
