package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rtspcam/internal/config"
	"rtspcam/internal/lifecycle"
	"rtspcam/internal/logging"
	"rtspcam/internal/recording"
)

// Controller はHTTPから操作するカメラセッション
type Controller interface {
	StartPreview(ctx context.Context) error
	StopPreview(ctx context.Context) error
	ToggleStreaming(ctx context.Context) error
	ToggleRecording(ctx context.Context) error
	SwitchCamera(ctx context.Context) error
	ResetCamera(ctx context.Context) error
	ForceReinitialize(ctx context.Context) error
	Status() lifecycle.Status
	Subscribe() (<-chan lifecycle.Status, func())
	Notifications() (<-chan lifecycle.Notification, func())
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	handler    *Handler
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// New は新しいServerインスタンスを作成する
//
// library が nil の場合、録画一覧は空を返す。
func New(cfg *config.Config, ctrl Controller, library *recording.Library) *Server {
	logger := logging.Component("server")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config: cfg,
		handler: &Handler{
			config:     cfg,
			controller: ctrl,
			library:    library,
			logger:     logger,
			upgrader: websocket.Upgrader{
				CheckOrigin: func(r *http.Request) bool { return true },
			},
			closing: make(chan struct{}),
		},
		engine: engine,
		logger: logger,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := s.handler

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)

	// APIエンドポイント
	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/recordings", h.GetRecordings)
	api.GET("/events", h.Events)
	api.POST("/playback/validate", h.ValidatePlayback)

	cam := api.Group("/camera")
	cam.POST("/preview/start", h.intent(h.controller.StartPreview))
	cam.POST("/preview/stop", h.intent(h.controller.StopPreview))
	cam.POST("/stream/toggle", h.intent(h.controller.ToggleStreaming))
	cam.POST("/record/toggle", h.intent(h.controller.ToggleRecording))
	cam.POST("/switch", h.intent(h.controller.SwitchCamera))
	cam.POST("/reset", h.intent(h.controller.ResetCamera))
	cam.POST("/force-reinitialize", h.intent(h.controller.ForceReinitialize))

	// ルートハンドラ
	s.engine.GET("/", h.Index)
}

// requestLogger はリクエストをslogで記録するミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTPリクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "address", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	// WebSocket接続はShutdownの対象外なので先に閉じる
	s.handler.close()

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
