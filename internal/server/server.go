package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/logging"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	registry   *camera.Registry
	enumerator *camera.Enumerator
	encoder    camera.Encoder

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startedAt  time.Time
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, registry *camera.Registry, enumerator *camera.Enumerator) (*Server, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	if logging.ParseLevel(cfg.Log.Level) != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		config:     cfg,
		registry:   registry,
		enumerator: enumerator,
		encoder:    camera.NewJPEGEncoder(cfg.Stream.JPEGQuality),
		engine:     engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.setupRoutes(validator)
	return s, nil
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes(validator *requestValidator) {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	// ルートハンドラ（簡単な確認用）
	s.engine.GET("/", s.handleRoot)

	api := s.engine.Group("/api")
	api.GET("/openapi.yaml", s.handleOpenAPI)

	api.Use(validator.middleware())
	api.GET("/status", s.handleStatus)
	api.GET("/cameras", s.handleListCameras)

	cam := api.Group("/camera/:id")
	cam.POST("/connect", s.handleConnect)
	cam.POST("/disconnect", s.handleDisconnect)
	cam.GET("/settings", s.handleGetSettings)
	cam.POST("/settings", s.handleUpdateSetting)
	cam.GET("/stream", s.handleStream)
	cam.GET("/snapshot", s.handleSnapshot)
	cam.GET("/ws", s.handleWebSocket)
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		logging.Info("HTTPサーバーを起動しています", "addr", s.config.ServerAddress(), "backend", s.registry.Backend().Name())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		logging.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		logging.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		s.registry.CloseAll()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// 配信中のストリームを終わらせるため、先に全カメラを切断する
func (s *Server) Shutdown() error {
	logging.Info("サーバーをシャットダウンしています...")

	s.registry.CloseAll()

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	logging.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はginのアクセスログをslogに流す
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logging.Debug("リクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}
