package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rtspcam/internal/config"
	"rtspcam/internal/lifecycle"
	"rtspcam/internal/player"
	"rtspcam/internal/recording"
)

const (
	// wsWriteTimeout はWebSocketへの書き込みタイムアウト
	wsWriteTimeout = 5 * time.Second
	// wsPingInterval はWebSocketのping間隔
	wsPingInterval = 30 * time.Second
)

// Handler はHTTPエンドポイントの実装
type Handler struct {
	config     *config.Config
	controller Controller
	library    *recording.Library
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string           `json:"status"`
	Server    ServerInfo       `json:"server"`
	Camera    lifecycle.Status `json:"camera"`
	Timestamp time.Time        `json:"timestamp"`
}

// RecordingsResponse は録画一覧のレスポンス
type RecordingsResponse struct {
	Recordings []recording.Recording `json:"recordings"`
	TotalBytes int64                 `json:"total_bytes"`
}

// IntentResponse はカメラ操作のレスポンス
type IntentResponse struct {
	Camera    lifecycle.Status `json:"camera"`
	Timestamp time.Time        `json:"timestamp"`
}

// PlaybackRequest は再生URL検証のリクエスト
type PlaybackRequest struct {
	URL string `json:"url"`
}

// PlaybackResponse は再生URL検証のレスポンス
type PlaybackResponse struct {
	Valid bool   `json:"valid"`
	URL   string `json:"url"`
}

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event はWebSocketで配信するメッセージ
type Event struct {
	Type         string                  `json:"type"`
	Status       *lifecycle.Status       `json:"status,omitempty"`
	Notification *lifecycle.Notification `json:"notification,omitempty"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Camera:    h.controller.Status(),
		Timestamp: time.Now(),
	})
}

// GetRecordings は録画一覧取得エンドポイントの実装
func (h *Handler) GetRecordings(c *gin.Context) {
	response := RecordingsResponse{Recordings: []recording.Recording{}}
	if h.library == nil {
		c.JSON(http.StatusOK, response)
		return
	}

	recordings, err := h.library.List()
	if err != nil {
		h.logger.Error("録画一覧の取得に失敗", "error", err)
		c.JSON(http.StatusInternalServerError, newErrorResponse("recordings_unavailable", "録画一覧の取得に失敗しました", err))
		return
	}

	response.Recordings = recordings
	for _, rec := range recordings {
		response.TotalBytes += rec.FileSize
	}
	c.JSON(http.StatusOK, response)
}

// ValidatePlayback は再生URLの検証エンドポイントの実装
func (h *Handler) ValidatePlayback(c *gin.Context) {
	var req PlaybackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("invalid_request", "リクエストの形式が不正です", err))
		return
	}

	u, err := player.ValidateURL(req.URL)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:     "invalid_url",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, PlaybackResponse{Valid: true, URL: u.String()})
}

// intent はカメラ操作をハンドラに変換する
func (h *Handler) intent(op func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context()); err != nil {
			status, response := errorStatus(err)
			h.logger.Warn("カメラ操作に失敗", "path", c.FullPath(), "status", status, "error", err)
			c.JSON(status, response)
			return
		}

		c.JSON(http.StatusOK, IntentResponse{
			Camera:    h.controller.Status(),
			Timestamp: time.Now(),
		})
	}
}

// errorStatus は操作エラーをHTTPステータスに変換する
//
// 初期化のリトライ上限に達した後のエラーは503になる。
func errorStatus(err error) (int, ErrorResponse) {
	var le *lifecycle.Error
	if !errors.As(err, &le) {
		return http.StatusInternalServerError, newErrorResponse("internal_error", "内部エラーが発生しました", err)
	}

	response := ErrorResponse{
		Error:     string(le.Kind),
		Message:   le.Message,
		Fatal:     lifecycle.IsFatal(err),
		Timestamp: time.Now(),
	}
	if le.Err != nil {
		details := le.Err.Error()
		response.Details = &details
	}

	switch {
	case response.Fatal, errors.Is(err, lifecycle.ErrDisposed):
		response.Error = "camera_unavailable"
		return http.StatusServiceUnavailable, response
	case errors.Is(err, lifecycle.ErrNotInitialized):
		response.Error = "camera_not_initialized"
		return http.StatusConflict, response
	case errors.Is(err, lifecycle.ErrNotReady):
		response.Error = "camera_not_ready"
		return http.StatusConflict, response
	default:
		if response.Error == "" {
			response.Error = "camera_error"
		}
		return http.StatusUnprocessableEntity, response
	}
}

func newErrorResponse(code, message string, err error) ErrorResponse {
	response := ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		details := err.Error()
		response.Details = &details
	}
	return response
}

// Events はステータスと通知をWebSocketで配信する
func (h *Handler) Events(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocketへのアップグレードに失敗", "error", err)
		return
	}
	defer conn.Close()

	h.logger.Info("WebSocket接続を確立しました", "remote", c.Request.RemoteAddr)

	statuses, unsubscribe := h.controller.Subscribe()
	defer unsubscribe()
	notices, unsubscribeNotices := h.controller.Notifications()
	defer unsubscribeNotices()

	// クライアントからの切断を検知する
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		var ev Event
		select {
		case <-gone:
			h.logger.Info("WebSocket接続が切断されました", "remote", c.Request.RemoteAddr)
			return
		case <-h.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			continue
		case st, ok := <-statuses:
			if !ok {
				return
			}
			ev = Event{Type: "status", Status: &st}
		case n, ok := <-notices:
			if !ok {
				return
			}
			ev = Event{Type: "notification", Notification: &n}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("WebSocketへの書き込みに失敗", "error", err)
			return
		}
	}
}

// Index は状態表示ページを返す
func (h *Handler) Index(c *gin.Context) {
	data, err := getIndexHTML()
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// close は配信中のWebSocket接続を終了させる
func (h *Handler) close() {
	h.closeOnce.Do(func() {
		close(h.closing)
	})
}
