package lifecycle

import (
	"context"
	"errors"

	"rtspcam/internal/device"
)

// watchEvents はセッションのデバイスイベントを処理する
func (c *Controller) watchEvents(ctx context.Context, epoch uint64, dev device.CameraStreamDevice) {
	events := dev.Events()
	if events == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ctx, epoch, dev, ev)
		}
	}
}

// handleEvent はGuardを取得してイベントを状態に反映する
//
// 配信状態は呼び出しではなくイベントで最終的に決まる。
func (c *Controller) handleEvent(ctx context.Context, epoch uint64, dev device.CameraStreamDevice, ev device.Event) {
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		if !c.sameSession(epoch, dev) {
			c.log.Debug("古いセッションのイベントを無視", "event", ev.Kind)
			return nil
		}

		switch ev.Kind {
		case device.EventConnectionStarted:
			c.log.Info("接続を開始", "url", ev.URL)
			c.notify(LevelInfo, "Connection starting...")

		case device.EventConnectionSuccess:
			if dev.IsStreaming() {
				c.state.Streaming = true
				c.state.Endpoint = c.endpointOf(dev)
				c.publish()
			}
			c.notify(LevelInfo, "Connection Success")

		case device.EventConnectionFailed:
			if dev.IsStreaming() {
				if err := safe(func() error { return dev.StopStream(ctx) }); err != nil {
					c.log.Warn("接続失敗後の配信停止に失敗（無視）", "error", err)
				}
			}
			c.state.clearStream()
			cls := Classify(ScopeConnection, device.NewError("Connection", device.CodeNetwork, errors.New(ev.Reason)))
			c.state.setError(cls.Kind, cls.Message)
			c.publish()
			c.notify(LevelError, cls.Message)

		case device.EventDisconnected:
			c.state.clearStream()
			c.publish()
			c.notify(LevelWarn, "Disconnected")

		case device.EventAuthError:
			c.state.clearStream()
			c.state.setError(KindNetworkOrAuthFailure, "Auth Error")
			c.publish()
			c.notify(LevelError, "Auth Error")

		case device.EventAuthSuccess:
			c.notify(LevelInfo, "Auth Success")

		case device.EventClientConnected:
			c.state.addClient(ev.Addr)
			c.publish()
			c.notify(LevelInfo, "Client connected: "+ev.Addr)

		case device.EventClientDisconnected:
			c.state.removeClient(ev.Addr)
			c.publish()
			c.notify(LevelInfo, "Client disconnected: "+ev.Addr)

		default:
			c.log.Debug("未知のイベント", "event", ev.Kind)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.log.Warn("イベント処理に失敗", "event", ev.Kind, "error", err)
	}
}
