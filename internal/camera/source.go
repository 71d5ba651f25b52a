package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SourceConfig はカメラソースのリトライ・障害判定の設定
type SourceConfig struct {
	Device             string        // デバイスパス
	Name               string        // 検出したカメラ名
	InitRetries        int           // 初期化の最大試行回数
	InitRetryDelay     time.Duration // 試行間隔
	Warmup             time.Duration // 初期化後にキャプチャを始めるまでの待ち
	MaxCaptureFailures int           // この回数連続で失敗したら停止する
}

// Source はカメラデバイスを専有し、取得したフレームを FrameBuffer に書き込む
type Source struct {
	device Device
	buffer *FrameBuffer
	cfg    SourceConfig
	logger *zap.Logger

	mu       sync.RWMutex
	status   Status
	onStatus func(Status)

	captured atomic.Uint64
	dropped  atomic.Uint64
	stopOnce sync.Once
}

// NewSource は新しいSourceを作成する
func NewSource(device Device, buffer *FrameBuffer, cfg SourceConfig, logger *zap.Logger) *Source {
	if cfg.InitRetries < 1 {
		cfg.InitRetries = 1
	}
	if cfg.MaxCaptureFailures < 1 {
		cfg.MaxCaptureFailures = 1
	}
	return &Source{
		device: device,
		buffer: buffer,
		cfg:    cfg,
		logger: logger,
		status: StatusInactive,
	}
}

// OnStatusChange は状態が変わったときに呼ばれる関数を登録する
func (s *Source) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// Open はデバイスを開く
// 設定回数まで一定間隔でリトライし、すべて失敗したら *CameraInitError を返す
func (s *Source) Open(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.InitRetries; attempt++ {
		err := s.device.Open(ctx)
		if err == nil {
			s.logger.Info("カメラを初期化しました",
				zap.String("device", s.cfg.Device),
				zap.Int("attempt", attempt))
			return s.warmup(ctx)
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("カメラの初期化に失敗しました",
			zap.String("device", s.cfg.Device),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.InitRetries),
			zap.Error(err))

		if attempt == s.cfg.InitRetries {
			break
		}
		if err := sleepContext(ctx, s.cfg.InitRetryDelay); err != nil {
			return err
		}
	}

	s.setStatus(StatusError)
	return &CameraInitError{
		Device:   s.cfg.Device,
		Attempts: s.cfg.InitRetries,
		Err:      lastErr,
	}
}

// warmup はセンサーが安定するまで待つ
func (s *Source) warmup(ctx context.Context) error {
	if s.cfg.Warmup <= 0 {
		return nil
	}
	s.setStatus(StatusWarming)
	return sleepContext(ctx, s.cfg.Warmup)
}

// Run はキャプチャループを実行する
// ctx がキャンセルされると nil を返す。復旧できない障害ではエラーを返す
func (s *Source) Run(ctx context.Context) error {
	s.setStatus(StatusActive)
	failures := 0

	for {
		if ctx.Err() != nil {
			s.setStatus(StatusInactive)
			return nil
		}

		data, err := s.device.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setStatus(StatusInactive)
				return nil
			}
			if errors.Is(err, ErrDeviceClosed) {
				s.setStatus(StatusError)
				return fmt.Errorf("キャプチャを継続できません: %w", err)
			}

			failures++
			s.dropped.Add(1)
			s.logger.Warn("フレームの取得に失敗しました",
				zap.String("device", s.cfg.Device),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))

			if failures >= s.cfg.MaxCaptureFailures {
				s.setStatus(StatusError)
				return fmt.Errorf("%w: 連続%d回失敗 (最後のエラー: %v)", ErrCaptureStalled, failures, err)
			}
			continue
		}

		failures = 0
		s.captured.Add(1)
		s.buffer.Publish(data)
	}
}

// Stop はデバイスを解放する
// Open が成功していなくても、何度呼んでも安全
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		if err := s.device.Close(); err != nil {
			s.logger.Error("カメラの解放に失敗しました", zap.String("device", s.cfg.Device), zap.Error(err))
		} else {
			s.logger.Info("カメラを解放しました", zap.String("device", s.cfg.Device))
		}
		s.buffer.Close()
		s.setStatus(StatusInactive)
	})
}

// Info はカメラのデバイスと名前を返す
func (s *Source) Info() DeviceInfo {
	return DeviceInfo{Path: s.cfg.Device, Name: s.cfg.Name}
}

// Status は現在の状態を返す
func (s *Source) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Stats はキャプチャ成功数と失敗数を返す
func (s *Source) Stats() (captured, dropped uint64) {
	return s.captured.Load(), s.dropped.Load()
}

func (s *Source) setStatus(status Status) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	fn := s.onStatus
	s.mu.Unlock()

	if changed && fn != nil {
		fn(status)
	}
}

// sleepContext は ctx がキャンセルされるまで最大 d だけ待つ
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
