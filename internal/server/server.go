package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"intelliegg/internal/camera"
	"intelliegg/internal/config"
	"intelliegg/internal/sampler"
)

// ErrForcedShutdown は停止タイムアウトで接続を強制切断したことを表す
var ErrForcedShutdown = errors.New("サーバーを強制停止しました")

// FrameSource はストリーム配信が参照するフレームの取得元
type FrameSource interface {
	WaitForNext(ctx context.Context, lastSeen uint64) (*camera.Frame, uint64, error)
	Latest() (*camera.Frame, uint64)
	Version() uint64
}

// CameraStatus は /api/status に載せるカメラの状態
type CameraStatus interface {
	Info() camera.DeviceInfo
	Status() camera.Status
	Stats() (captured, dropped uint64)
}

// SamplerStatus は /api/status に載せる定期検出の状態
type SamplerStatus interface {
	Stats() sampler.Stats
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config  *config.Config
	frames  FrameSource
	camera  CameraStatus
	sampler SamplerStatus
	logger  *zap.Logger
	engine  *gin.Engine
	handler http.Handler
	started time.Time

	streamClients atomic.Int64
	wsClients     atomic.Int64
}

// Option はServerの任意設定
type Option func(*Server)

// WithCameraStatus はステータスAPIにカメラ状態を含める
func WithCameraStatus(status CameraStatus) Option {
	return func(s *Server) {
		s.camera = status
	}
}

// WithSamplerStatus はステータスAPIに定期検出の状態を含める
func WithSamplerStatus(status SamplerStatus) Option {
	return func(s *Server) {
		s.sampler = status
	}
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, frames FrameSource, logger *zap.Logger, opts ...Option) *Server {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  cfg,
		frames:  frames,
		logger:  logger,
		engine:  gin.New(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(s.requestLogger(), gin.Recovery())
	s.setupRoutes()

	s.handler = s.engine
	if len(cfg.Server.CORSOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		}).Handler(s.engine)
	}

	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run はサーバーを起動し、ctx がキャンセルされるまで待つ
// ストリーム中のリクエストも ctx のキャンセルで終了する
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ServerAddress())
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve は指定されたリスナーでサーバーを起動する
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの実行に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	return s.shutdown(httpServer)
}

// shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) shutdown(httpServer *http.Server) error {
	s.logger.Info("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("グレースフルシャットダウンが時間内に終わりませんでした", zap.Error(err))
		_ = httpServer.Close()
		return fmt.Errorf("%w: %v", ErrForcedShutdown, err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストをzapで記録するミドルウェア
// ストリームは接続終了時に別途記録する
func (s *Server) requestLogger() gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/stream.mjpg", "/ws/stream"},
		Formatter: func(param gin.LogFormatterParams) string {
			s.logger.Debug("HTTPリクエスト",
				zap.String("method", param.Method),
				zap.String("path", param.Path),
				zap.Int("status", param.StatusCode),
				zap.Duration("latency", param.Latency),
				zap.String("client_ip", param.ClientIP),
			)
			return ""
		},
	})
}
