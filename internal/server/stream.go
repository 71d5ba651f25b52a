package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"intelliegg/internal/camera"
)

// Boundary はMJPEGストリームのマルチパート境界
const Boundary = "FRAME"

// handleStream はMJPEGストリームを配信する
// クライアントごとにリクエストのgoroutineで動き、接続以降のフレームだけを送る
func (s *Server) handleStream(c *gin.Context) {
	clientID := uuid.NewString()
	logger := s.logger.With(
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	// 接続時点のバージョンから待つ
	lastSeen := s.frames.Version()

	header := c.Writer.Header()
	header.Set("Age", "0")
	header.Set("Cache-Control", "no-cache, private")
	header.Set("Pragma", "no-cache")
	header.Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	s.streamClients.Add(1)
	defer s.streamClients.Add(-1)
	logger.Info("ストリームクライアントが接続しました")

	rc := http.NewResponseController(c.Writer)
	ctx := c.Request.Context()
	sent := 0

	for {
		frame, version, err := s.frames.WaitForNext(ctx, lastSeen)
		if err != nil {
			s.logDisconnect(logger, sent, err)
			return
		}
		lastSeen = version

		if err := s.setWriteDeadline(rc); err != nil {
			logger.Debug("書き込み期限を設定できません", zap.Error(err))
		}
		if err := writeFramePart(c.Writer, frame); err != nil {
			s.logDisconnect(logger, sent, err)
			return
		}
		if err := rc.Flush(); err != nil {
			s.logDisconnect(logger, sent, err)
			return
		}
		sent++
	}
}

// setWriteDeadline は次のフレーム1枚分の書き込み期限を設定する
func (s *Server) setWriteDeadline(rc *http.ResponseController) error {
	if s.config.Server.StreamWriteTimeout <= 0 {
		return nil
	}
	err := rc.SetWriteDeadline(time.Now().Add(s.config.Server.StreamWriteTimeout))
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// writeFramePart はJPEGを1パート分書き込む
func writeFramePart(w io.Writer, frame *camera.Frame) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(frame.Data)); err != nil {
		return err
	}
	if _, err := w.Write(frame.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// logDisconnect は切断理由に応じたレベルで記録する
func (s *Server) logDisconnect(logger *zap.Logger, sent int, cause error) {
	fields := []zap.Field{zap.Int("frames_sent", sent), zap.NamedError("cause", cause)}
	switch {
	case errors.Is(cause, context.Canceled), errors.Is(cause, camera.ErrBufferClosed):
		logger.Info("ストリームクライアントが切断しました", fields...)
	default:
		logger.Warn("ストリームクライアントへの書き込みに失敗しました", fields...)
	}
}
