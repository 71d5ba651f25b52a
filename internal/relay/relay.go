// Package relay は最新フレームをffmpegに流し込み、RTMPで再配信する
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"intelliegg/internal/camera"
	"intelliegg/internal/config"
)

const stopGracePeriod = 5 * time.Second

// FrameSource は配信するフレームの取得元
type FrameSource interface {
	WaitForNext(ctx context.Context, lastSeen uint64) (*camera.Frame, uint64, error)
	Version() uint64
}

// Relay はffmpegプロセスを管理し、終了した場合は待機してから再起動する
type Relay struct {
	cfg    config.RelayConfig
	fps    int
	frames FrameSource
	logger *zap.Logger

	program string
	args    []string

	restarts atomic.Uint64
	sent     atomic.Uint64
}

// New は新しいRelayを作成する
func New(cfg config.RelayConfig, fps int, frames FrameSource, logger *zap.Logger) *Relay {
	return &Relay{
		cfg:     cfg,
		fps:     fps,
		frames:  frames,
		logger:  logger.With(zap.String("component", "relay"), zap.String("target", RedactedTarget(cfg))),
		program: "ffmpeg",
		args:    BuildArgs(cfg, fps),
	}
}

// Target は配信先URLを返す
func Target(cfg config.RelayConfig) string {
	url := strings.TrimRight(cfg.URL, "/")
	if cfg.StreamKey == "" {
		return url
	}
	return url + "/" + cfg.StreamKey
}

// RedactedTarget はストリームキーを伏せた配信先URLを返す
func RedactedTarget(cfg config.RelayConfig) string {
	url := strings.TrimRight(cfg.URL, "/")
	if cfg.StreamKey == "" {
		return url
	}
	return url + "/****"
}

// BuildArgs はffmpegの引数を返す
// 入力はMJPEG、無音の音声トラックを付けてFLVで送出する
func BuildArgs(cfg config.RelayConfig, fps int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-use_wallclock_as_timestamps", "1",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-i", "-",
		"-f", "lavfi",
		"-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(fps),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", cfg.Bitrate,
		"-bufsize", "64k",
		"-g", strconv.Itoa(fps),
		"-c:a", "aac",
		"-b:a", "64k",
		"-f", "flv",
		Target(cfg),
	}
}

// Run はキャンセルされるまで配信を続ける
// 配信の失敗はログに残して再起動し、呼び出し元にはエラーを返さない
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("RTMP配信を開始します")

	for {
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			r.logger.Info("RTMP配信を停止しました", zap.Uint64("frames", r.sent.Load()))
			return nil
		}

		r.restarts.Add(1)
		r.logger.Warn("RTMP配信が終了したため再起動します",
			zap.Error(err),
			zap.Duration("delay", r.cfg.RestartDelay),
			zap.Uint64("restarts", r.restarts.Load()))

		timer := time.NewTimer(r.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *Relay) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.program, r.args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = stopGracePeriod
	cmd.Stdout = io.Discard
	cmd.Stderr = &logWriter{logger: r.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("標準入力の作成に失敗: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}
	r.logger.Debug("ffmpegを起動しました", zap.Int("pid", cmd.Process.Pid))

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		cancel()
	}()

	writeErr := r.pump(runCtx, stdin)
	_ = stdin.Close()
	cancel()
	waitErr := <-exited

	if ctx.Err() != nil {
		return nil
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpegが終了しました: %w", waitErr)
	}
	if writeErr != nil {
		return writeErr
	}
	return errors.New("ffmpegが終了しました")
}

// pump はフレームが公開されるたびにffmpegの標準入力へ書き込む
func (r *Relay) pump(ctx context.Context, w io.Writer) error {
	lastSeen := r.frames.Version()
	for {
		frame, version, err := r.frames.WaitForNext(ctx, lastSeen)
		if err != nil {
			return err
		}
		lastSeen = version

		if _, err := w.Write(frame.Data); err != nil {
			return fmt.Errorf("ffmpegへの書き込みに失敗: %w", err)
		}
		r.sent.Add(1)
	}
}

// Stats は送信したフレーム数と再起動回数を返す
func (r *Relay) Stats() (sent, restarts uint64) {
	return r.sent.Load(), r.restarts.Load()
}

type logWriter struct {
	logger *zap.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimSpace(p), []byte("\n")) {
		if len(line) > 0 {
			w.logger.Warn("ffmpeg出力", zap.ByteString("line", line))
		}
	}
	return len(p), nil
}
