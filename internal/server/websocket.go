package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsPingInterval = 30 * time.Second

// upgrader はCORS設定と同じオリジンだけを許可する
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(s.config.Server.CORSOrigins) == 0 {
				return true
			}
			for _, allowed := range s.config.Server.CORSOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleWebSocket はJPEGフレームをバイナリメッセージとして配信する
func (s *Server) handleWebSocket(c *gin.Context) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocketへのアップグレードに失敗しました", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	logger := s.logger.With(
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	s.wsClients.Add(1)
	defer s.wsClients.Add(-1)
	logger.Info("WebSocketクライアントが接続しました")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 読み取りはクローズ検知のためだけに行う
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("WebSocket読み取りエラー", zap.Error(err))
				}
				return
			}
		}
	}()

	lastSeen := s.frames.Version()
	lastPing := time.Now()
	sent := 0

	for {
		waitCtx, waitCancel := context.WithTimeout(ctx, wsPingInterval)
		frame, version, err := s.frames.WaitForNext(waitCtx, lastSeen)
		waitCancel()

		if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
			// フレームが来ない間も接続を維持する
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				s.logDisconnect(logger, sent, err)
				return
			}
			lastPing = time.Now()
			continue
		}
		if err != nil {
			s.logDisconnect(logger, sent, err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(time.Second))
			return
		}
		lastSeen = version

		if s.config.Server.StreamWriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.Server.StreamWriteTimeout))
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			s.logDisconnect(logger, sent, err)
			return
		}
		sent++

		if time.Since(lastPing) > wsPingInterval {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				s.logDisconnect(logger, sent, err)
				return
			}
			lastPing = time.Now()
		}
	}
}
