package rtspserver

import (
	"strings"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"

	"rtspcam/internal/device"
)

// serverHandler はgortsplibのサーバーイベントをCameraへ中継する
type serverHandler struct {
	camera *Camera
}

func connAddr(conn *gortsplib.ServerConn) string {
	if conn == nil || conn.NetConn() == nil {
		return ""
	}
	return conn.NetConn().RemoteAddr().String()
}

// OnConnOpen は視聴クライアントの接続を通知する
func (h *serverHandler) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	addr := connAddr(ctx.Conn)
	h.camera.logger.Info("クライアントが接続しました", "addr", addr)
	h.camera.send(device.Event{Kind: device.EventClientConnected, Addr: addr})
}

// OnConnClose は視聴クライアントの切断を通知する
func (h *serverHandler) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	addr := connAddr(ctx.Conn)
	h.camera.logger.Info("クライアントが切断しました", "addr", addr, "error", ctx.Error)
	h.camera.send(device.Event{Kind: device.EventClientDisconnected, Addr: addr})
}

// OnDescribe は配信中のストリームを返す
func (h *serverHandler) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	stream := h.streamFor(ctx.Path)
	if stream == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, stream, nil
}

// OnSetup は配信中のストリームを返す
func (h *serverHandler) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	stream := h.streamFor(ctx.Path)
	if stream == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, stream, nil
}

// OnPlay は再生要求を受け付ける
func (h *serverHandler) OnPlay(_ *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func (h *serverHandler) streamFor(path string) *gortsplib.ServerStream {
	c := h.camera
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.Trim(path, "/") != c.cfg.StreamPath {
		return nil
	}
	return c.stream
}
