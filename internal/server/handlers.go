package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"camstream/internal/camera"
	"camstream/internal/logging"
)

const wsWriteTimeout = 5 * time.Second

// settingRequest は設定変更リクエストのボディ
// valueは0も有効な値なのでポインタで受ける
type settingRequest struct {
	Setting string   `json:"setting" binding:"required"`
	Value   *float64 `json:"value" binding:"required"`
}

// cameraID はパスパラメータのカメラIDを解釈する
func cameraID(c *gin.Context) (camera.DeviceID, bool) {
	id, ok := camera.ParseDeviceID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid parameter: id"})
	}
	return id, ok
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	connected := s.registry.List()

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"backend":   s.registry.Backend().Name(),
		"cameras":   len(connected),
		"connected": connected,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleRoot はルートパスのハンドラ
func (s *Server) handleRoot(c *gin.Context) {
	c.String(http.StatusOK, `camstream

サーバーが正常に起動しています。

  カメラ一覧:     /api/cameras
  ステータス:     /api/status
  ヘルスチェック: /health
  API定義:        /api/openapi.yaml
`)
}

// handleOpenAPI は埋め込まれたOpenAPI定義を返す
func (s *Server) handleOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", OpenAPISpec())
}

// handleListCameras はカメラ一覧取得エンドポイント
// 利用可能なカメラは呼び出しのたびに検出し直す
func (s *Server) handleListCameras(c *gin.Context) {
	available := s.enumerator.Detect(c.Request.Context(), s.config.Camera.MaxProbe)

	c.JSON(http.StatusOK, gin.H{
		"available": available,
		"connected": s.registry.List(),
	})
}

// handleConnect はカメラ接続エンドポイント
func (s *Server) handleConnect(c *gin.Context) {
	id, ok := cameraID(c)
	if !ok {
		return
	}

	status, err := s.registry.Connect(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Failed to connect"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status, "camera_id": id})
}

// handleDisconnect はカメラ切断エンドポイント
func (s *Server) handleDisconnect(c *gin.Context) {
	id, ok := cameraID(c)
	if !ok {
		return
	}

	if s.registry.Disconnect(id) == camera.StatusNotConnected {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Camera not connected"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": camera.StatusDisconnected, "camera_id": id})
}

// handleGetSettings は設定取得エンドポイント
func (s *Server) handleGetSettings(c *gin.Context) {
	id, ok := cameraID(c)
	if !ok {
		return
	}

	session, found := s.registry.Get(id)
	if !found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Camera not connected"})
		return
	}

	c.JSON(http.StatusOK, session.GetSettings())
}

// handleUpdateSetting は設定変更エンドポイント
func (s *Server) handleUpdateSetting(c *gin.Context) {
	id, ok := cameraID(c)
	if !ok {
		return
	}

	session, found := s.registry.Get(id)
	if !found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Camera not connected"})
		return
	}

	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid parameters"})
		return
	}

	if err := session.SetSetting(req.Setting, *req.Value); err != nil {
		switch {
		case errors.Is(err, camera.ErrUnknownSetting):
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown setting: %s", req.Setting)})
		case errors.Is(err, camera.ErrNotOpen):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Camera not connected"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to set setting"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "setting": req.Setting, "value": *req.Value})
}

// newStream は設定に従ってストリームを作る
func (s *Server) newStream(id camera.DeviceID) (*camera.Stream, error) {
	return camera.NewStream(s.registry, id,
		camera.WithInterval(s.config.Stream.Interval),
		camera.WithEncoder(s.encoder),
		camera.WithBoundary(s.config.Stream.Boundary),
	)
}

// handleStream はMJPEGストリーミングエンドポイント
// カメラが切断されるか、クライアントが去るまで配信を続ける
func (s *Server) handleStream(c *gin.Context) {
	id, ok := camera.ParseDeviceID(c.Param("id"))
	if !ok {
		c.String(http.StatusBadRequest, "Invalid parameter: id")
		return
	}

	stream, err := s.newStream(id)
	if err != nil {
		c.String(http.StatusBadRequest, "Camera not connected")
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", stream.ContentType())
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	logger := logging.With("camera_id", int(id), "client_id", stream.ClientID())
	logger.Info("MJPEG配信を開始しました", "remote", c.ClientIP())

	// クライアント切断はリクエストのコンテキストで検知する
	ctx := c.Request.Context()
	for {
		part, err := stream.Next(ctx)
		if err != nil {
			logger.Info("MJPEG配信を終了しました", "parts", stream.Parts(), "reason", err)
			return
		}

		if _, err := c.Writer.Write(part); err != nil {
			logger.Debug("クライアントへの書き込みに失敗", "error", err)
			return
		}

		// バッファをフラッシュ
		c.Writer.Flush()
	}
}

// handleSnapshot は1枚だけJPEGを返す
func (s *Server) handleSnapshot(c *gin.Context) {
	id, ok := cameraID(c)
	if !ok {
		return
	}

	session, found := s.registry.Get(id)
	if !found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Camera not connected"})
		return
	}

	img, ok := session.AcquireFrame()
	if !ok {
		// 読み取りに失敗したら直前のフレームで代用する
		img, ok = session.LatestFrame()
	}
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No frame available"})
		return
	}

	data, err := s.encoder.Encode(img)
	if err != nil {
		logging.Warn("スナップショットのエンコードに失敗", "camera_id", int(id), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No frame available"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handleWebSocket はWebSocketで1メッセージ1フレームのJPEGを送る
func (s *Server) handleWebSocket(c *gin.Context) {
	id, ok := cameraID(c)
	if !ok {
		return
	}

	stream, err := s.newStream(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Camera not connected"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("WebSocketへの切り替えに失敗", "camera_id", int(id), "error", err)
		return
	}
	defer conn.Close()

	logger := logging.With("camera_id", int(id), "client_id", stream.ClientID())
	logger.Info("WebSocket配信を開始しました", "remote", c.ClientIP())

	// 読み取りループでクライアントの切断を検知する
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		data, err := stream.NextJPEG(ctx)
		if err != nil {
			if errors.Is(err, camera.ErrStreamEnded) {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "camera disconnected")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			logger.Info("WebSocket配信を終了しました", "parts", stream.Parts(), "reason", err)
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			logger.Debug("WebSocketへの書き込みに失敗", "error", err)
			return
		}
	}
}
