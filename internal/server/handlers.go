package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/index.html", s.handleIndex)
	s.engine.GET("/stream.mjpg", s.handleStream)
	s.engine.GET("/ws/stream", s.handleWebSocket)
	s.engine.GET("/snapshot.jpg", s.handleSnapshot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/api/status", s.handleStatus)

	s.engine.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "404 page not found")
	})
}

// handleRoot はインデックスページへリダイレクトする
func (s *Server) handleRoot(c *gin.Context) {
	c.Redirect(http.StatusMovedPermanently, "/index.html")
}

// handleIndex はストリームを埋め込んだページを返す
func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// handleSnapshot は最新フレームを1枚返す
func (s *Server) handleSnapshot(c *gin.Context) {
	frame, _ := s.frames.Latest()
	if frame == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "no_frame",
			"message": "フレームがまだ取得されていません",
		})
		return
	}
	c.Header("Cache-Control", "no-cache, private")
	c.Header("Last-Modified", frame.CapturedAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
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
	_, version := s.frames.Latest()
	resp := gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"stream": gin.H{
			"mjpeg_clients":     s.streamClients.Load(),
			"websocket_clients": s.wsClients.Load(),
			"frame_version":     version,
		},
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if s.camera != nil {
		captured, dropped := s.camera.Stats()
		info := s.camera.Info()
		resp["camera"] = gin.H{
			"device":   info.Path,
			"name":     info.Name,
			"driver":   s.config.Camera.Driver,
			"status":   s.camera.Status(),
			"captured": captured,
			"dropped":  dropped,
		}
	}

	if s.sampler != nil {
		resp["sampler"] = s.sampler.Stats()
	}

	proc, err := collectProcessStats(c.Request.Context())
	if err != nil {
		s.logger.Debug("プロセス情報の取得に失敗しました", zap.Error(err))
	} else {
		resp["process"] = proc
	}

	c.JSON(http.StatusOK, resp)
}
