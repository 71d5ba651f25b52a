// Package app はカメラ・配信サーバー・定期検出を組み立てて起動する
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"intelliegg/internal/camera"
	"intelliegg/internal/config"
	"intelliegg/internal/detector"
	"intelliegg/internal/notify"
	"intelliegg/internal/relay"
	"intelliegg/internal/remote"
	"intelliegg/internal/sampler"
	"intelliegg/internal/server"
	"intelliegg/internal/storage"
	"intelliegg/internal/supervisor"
)

const (
	eventTimeout    = 5 * time.Second
	statusQueueSize = 16
)

// App はプロセス全体のライフサイクルを管理する
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	device    camera.Device
	discovery camera.Discovery
	detector  detector.Detector
	events    notify.Publisher
}

// Option はAppの任意設定
type Option func(*App)

// WithDevice は設定から作る代わりに指定したデバイスを使う
func WithDevice(d camera.Device) Option {
	return func(a *App) { a.device = d }
}

// WithDiscovery はデバイスの自動検出方法を差し替える
func WithDiscovery(d camera.Discovery) Option {
	return func(a *App) { a.discovery = d }
}

// WithDetector は設定から作る代わりに指定した検出器を使う
func WithDetector(d detector.Detector) Option {
	return func(a *App) { a.detector = d }
}

// WithPublisher は設定から作る代わりに指定した通知先を使う
func WithPublisher(p notify.Publisher) Option {
	return func(a *App) { a.events = p }
}

// New は新しいAppを作成する
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *App {
	a := &App{
		cfg:       cfg,
		logger:    logger,
		discovery: camera.NewLinuxDiscovery(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run はカメラを開いてから各タスクを起動し、停止するまで待つ
// カメラの初期化に失敗した場合はサーバーを起動せずに終了する
func (a *App) Run(ctx context.Context) (supervisor.ExitCode, error) {
	device, info, err := a.openDevice(ctx)
	if err != nil {
		a.logger.Error("カメラデバイスを準備できません", zap.Error(err))
		return supervisor.ExitFatal, err
	}

	events := a.events
	if events == nil {
		events = a.newPublisher()
	}

	buffer := camera.NewFrameBuffer()
	source := camera.NewSource(device, buffer, camera.SourceConfig{
		Device:             info.Path,
		Name:               info.Name,
		InitRetries:        a.cfg.Camera.InitRetries,
		InitRetryDelay:     a.cfg.Camera.InitRetryDelay,
		Warmup:             a.cfg.Camera.Warmup,
		MaxCaptureFailures: a.cfg.Camera.MaxCaptureFailures,
	}, a.logger.With(zap.String("component", "camera"), zap.String("camera_name", info.Name)))

	// カメラ状態は順番どおりに送り、最後の状態を送ってから切断する
	statuses := make(chan camera.Status, statusQueueSize)
	source.OnStatusChange(func(status camera.Status) {
		select {
		case statuses <- status:
		default:
			a.logger.Warn("カメラ状態の通知が詰まっているため破棄します", zap.String("status", string(status)))
		}
	})
	defer func() {
		source.Stop()
		a.flushCameraStatus(ctx, events, info.Path, statuses)
		if closer, ok := events.(interface{ Close() }); ok {
			closer.Close()
		}
	}()

	if err := source.Open(ctx); err != nil {
		if ctx.Err() != nil {
			a.logger.Info("カメラの初期化中に停止しました")
			return supervisor.ExitClean, nil
		}
		a.logger.Error("カメラの初期化に失敗したため終了します", zap.Error(err))
		return supervisor.ExitFatal, err
	}

	sup := supervisor.New(ctx, a.cfg.Server.ShutdownTimeout, a.logger)

	sup.Go("camera", source.Run)
	sup.Go("camera-events", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case status := <-statuses:
				a.publishCameraStatus(ctx, events, info.Path, status)
			}
		}
	})

	var samp *sampler.Sampler
	if a.cfg.Sampler.Enabled {
		samp, err = a.newSampler(ctx, buffer, events)
		if err != nil {
			sup.Fail("sampler", err)
		} else {
			sup.Go("sampler", samp.Run)
		}
	}

	serverOpts := []server.Option{server.WithCameraStatus(source)}
	if samp != nil {
		serverOpts = append(serverOpts, server.WithSamplerStatus(samp))
	}
	srv := server.New(a.cfg, buffer, a.logger.With(zap.String("component", "server")), serverOpts...)
	sup.Go("server", func(ctx context.Context) error {
		err := srv.Run(ctx)
		if errors.Is(err, server.ErrForcedShutdown) {
			return fmt.Errorf("%w: %w", supervisor.ErrForced, err)
		}
		return err
	})

	if a.cfg.Relay.Enabled {
		r := relay.New(a.cfg.Relay, a.cfg.Camera.FPS, buffer, a.logger)
		sup.Go("relay", r.Run)
	}

	a.logger.Info("起動しました",
		zap.String("addr", a.cfg.ServerAddress()),
		zap.String("device", info.Path),
		zap.String("camera_name", info.Name),
		zap.Bool("sampler", samp != nil),
		zap.Bool("relay", a.cfg.Relay.Enabled))

	code := sup.Wait()
	a.logger.Info("停止しました",
		zap.Int("exit_code", int(code)),
		zap.String("reason", sup.Reason()))
	return code, sup.Err()
}

// openDevice は設定からキャプチャデバイスを作成する
// ffmpeg と libcamera ではドライバーに合わせてカメラを検出する
func (a *App) openDevice(ctx context.Context) (camera.Device, camera.DeviceInfo, error) {
	if a.device != nil {
		return a.device, camera.DeviceInfo{Path: a.cfg.Camera.Device}, nil
	}

	info := camera.DeviceInfo{Path: a.cfg.Camera.Device}
	switch a.cfg.Camera.Driver {
	case "ffmpeg", "libcamera":
		resolved, err := camera.ResolveDevice(ctx, a.discovery, a.cfg.Camera.Driver, a.cfg.Camera.Device)
		if err != nil {
			return nil, camera.DeviceInfo{}, err
		}
		if a.cfg.Camera.Device == "auto" {
			a.logger.Info("カメラを自動検出しました",
				zap.String("device", resolved.Path),
				zap.String("camera_name", resolved.Name),
				zap.String("bus", resolved.Bus))
		}
		info = resolved
	}

	name, args, err := camera.BuildCommand(camera.Settings{
		Driver:  a.cfg.Camera.Driver,
		Device:  info.Path,
		Command: a.cfg.Camera.Command,
		Width:   a.cfg.Camera.Width,
		Height:  a.cfg.Camera.Height,
		FPS:     a.cfg.Camera.FPS,
	})
	if err != nil {
		return nil, camera.DeviceInfo{}, err
	}

	logger := a.logger.With(zap.String("component", "capture"), zap.String("device", info.Path))
	return camera.NewCommandDevice(name, args, a.cfg.Camera.FrameTimeout, logger), info, nil
}

func (a *App) newSampler(ctx context.Context, frames sampler.FrameSource, events notify.Publisher) (*sampler.Sampler, error) {
	det := a.detector
	if det == nil {
		var err error
		det, err = detector.New(a.cfg.Detector, a.logger.With(zap.String("component", "detector")))
		if err != nil {
			return nil, err
		}
	}

	client := remote.New(a.cfg.Remote, a.logger.With(zap.String("component", "remote")))
	opts := []sampler.Option{
		sampler.WithGate(client),
		sampler.WithPublisher(events),
		sampler.WithLocation(a.cfg.SamplerLocation()),
	}
	if store := a.newStore(ctx); store != nil {
		opts = append(opts, sampler.WithArchive(store))
	}

	return sampler.New(frames, detector.NewAnalyzer(det), client, a.cfg.Sampler, a.logger, opts...), nil
}

// newStore はMinIOに接続する。失敗した場合は保存なしで続行する
func (a *App) newStore(ctx context.Context) storage.ImageStore {
	if !a.cfg.Storage.Enabled {
		return nil
	}
	store, err := storage.NewMinioStore(ctx, a.cfg.Storage, a.logger.With(zap.String("component", "storage")))
	if err != nil {
		a.logger.Warn("画像の保存先に接続できないため保存を無効にします", zap.Error(err))
		return nil
	}
	return store
}

// newPublisher はMQTTに接続する。失敗した場合は通知なしで続行する
func (a *App) newPublisher() notify.Publisher {
	if !a.cfg.MQTT.Enabled {
		return notify.Nop{}
	}
	p, err := notify.NewMQTTPublisher(a.cfg.MQTT, a.logger.With(zap.String("component", "notify")))
	if err != nil {
		a.logger.Warn("MQTTに接続できないため通知を無効にします", zap.Error(err))
		return notify.Nop{}
	}
	return p
}

// flushCameraStatus は未送信のカメラ状態をすべて送る
func (a *App) flushCameraStatus(ctx context.Context, events notify.Publisher, device string, statuses <-chan camera.Status) {
	for {
		select {
		case status := <-statuses:
			a.publishCameraStatus(ctx, events, device, status)
		default:
			return
		}
	}
}

func (a *App) publishCameraStatus(ctx context.Context, events notify.Publisher, device string, status camera.Status) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
	defer cancel()
	err := events.Publish(ctx, notify.Event{
		Type:    notify.EventCamera,
		Camera:  string(status),
		Message: device,
		Success: status != camera.StatusError,
	})
	if err != nil {
		a.logger.Debug("カメラ状態の通知に失敗しました", zap.Error(err))
	}
}
