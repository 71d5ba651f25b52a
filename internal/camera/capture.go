package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // DecodeConfig でJPEGを判定するため
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxPendingFrame はEOIが来ないまま溜めておくバイト数の上限
const maxPendingFrame = 8 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Settings はキャプチャコマンドの組み立てに使う設定
type Settings struct {
	Driver  string   // ffmpeg / libcamera / command
	Device  string   // デバイスパス (libcamera ではカメラ番号)
	Command []string // driver=command のときの起動コマンド
	Width   int
	Height  int
	FPS     int
}

// BuildCommand はドライバーに応じたキャプチャコマンドを返す
// いずれのコマンドも標準出力にMJPEGを連続で書き出す
func BuildCommand(s Settings) (string, []string, error) {
	switch s.Driver {
	case "ffmpeg":
		return "ffmpeg", []string{
			"-hide_banner",
			"-loglevel", "error",
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", s.Width, s.Height),
			"-r", strconv.Itoa(s.FPS),
			"-i", s.Device,
			"-f", "image2pipe",
			"-c:v", "mjpeg",
			"-q:v", "3",
			"-",
		}, nil
	case "libcamera":
		args := []string{
			"-t", "0",
			"-n",
			"--codec", "mjpeg",
			"--width", strconv.Itoa(s.Width),
			"--height", strconv.Itoa(s.Height),
			"--framerate", strconv.Itoa(s.FPS),
		}
		// libcamera ではデバイスにカメラ番号を指定する
		if _, err := strconv.Atoi(s.Device); err == nil {
			args = append(args, "--camera", s.Device)
		}
		return "libcamera-vid", append(args, "-o", "-"), nil
	case "command":
		if len(s.Command) == 0 {
			return "", nil, errors.New("キャプチャコマンドが空です")
		}
		return s.Command[0], s.Command[1:], nil
	default:
		return "", nil, fmt.Errorf("未対応のカメラドライバー: %s", s.Driver)
	}
}

// CommandDevice は外部プロセスの標準出力からJPEGフレームを読み取る Device 実装
type CommandDevice struct {
	name         string
	args         []string
	frameTimeout time.Duration
	logger       *zap.Logger

	mu   sync.Mutex
	sess *captureSession
}

// captureSession は Open から Close までの1回分のプロセス
type captureSession struct {
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}
	first  []byte
	err    error
}

// NewCommandDevice は新しいCommandDeviceを作成する
func NewCommandDevice(name string, args []string, frameTimeout time.Duration, logger *zap.Logger) *CommandDevice {
	return &CommandDevice{
		name:         name,
		args:         args,
		frameTimeout: frameTimeout,
		logger:       logger,
	}
}

// Open はキャプチャプロセスを起動し、最初のフレームが届くまで待つ
func (d *CommandDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess != nil {
		return nil // 既に開始済み
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.name, d.args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	cmd.Stderr = &logWriter{logger: d.logger}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%sの起動に失敗: %w", d.name, err)
	}

	sess := &captureSession{
		cancel: cancel,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sess.done)
		readErr := pumpFrames(stdout, sess.frames, d.logger)
		waitErr := cmd.Wait()
		if readErr != nil {
			sess.err = readErr
		} else {
			sess.err = waitErr
		}
	}()

	// 最初のフレームでデバイスが動いていることを確認
	timer := time.NewTimer(d.firstFrameTimeout())
	defer timer.Stop()
	select {
	case frame := <-sess.frames:
		sess.first = frame
	case <-sess.done:
		cancel()
		return fmt.Errorf("%sが終了しました: %w", d.name, sess.err)
	case <-timer.C:
		cancel()
		<-sess.done
		return fmt.Errorf("最初のフレームを受信できません: %w", ErrFrameTimeout)
	case <-ctx.Done():
		cancel()
		<-sess.done
		return ctx.Err()
	}

	d.sess = sess
	return nil
}

func (d *CommandDevice) firstFrameTimeout() time.Duration {
	// デバイスの初期化は通常のフレーム間隔より時間がかかる
	return 2 * d.frameTimeout
}

// ReadFrame は次のJPEGフレームを返す
func (d *CommandDevice) ReadFrame(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()

	if sess == nil {
		return nil, ErrDeviceClosed
	}

	if frame := sess.first; frame != nil {
		sess.first = nil
		return frame, validateJPEG(frame)
	}

	timer := time.NewTimer(d.frameTimeout)
	defer timer.Stop()

	select {
	case frame := <-sess.frames:
		if err := validateJPEG(frame); err != nil {
			return nil, err
		}
		return frame, nil
	case <-sess.done:
		return nil, fmt.Errorf("%w: %v", ErrDeviceClosed, sess.err)
	case <-timer.C:
		return nil, ErrFrameTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close はキャプチャプロセスを停止する
func (d *CommandDevice) Close() error {
	d.mu.Lock()
	sess := d.sess
	d.sess = nil
	d.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.cancel()
	<-sess.done
	return nil
}

// logWriter は外部プロセスのstderrをデバッグログに流す
type logWriter struct {
	logger *zap.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimSpace(p), []byte("\n")) {
		if len(line) > 0 {
			w.logger.Debug("キャプチャプロセス出力", zap.ByteString("line", line))
		}
	}
	return len(p), nil
}

// pumpFrames はrからJPEGを切り出して out に送る
// out が埋まっている場合は古いフレームを捨てる
func pumpFrames(r io.Reader, out chan []byte, logger *zap.Logger) error {
	buf := make([]byte, 64*1024)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			var frames [][]byte
			frames, pending = splitJPEG(pending)
			if len(pending) > maxPendingFrame {
				logger.Warn("フレームの終端が見つからないため破棄します",
					zap.Int("bytes", len(pending)),
					zap.Error(ErrCorruptFrame))
				pending = dropPending(pending)
			}
			for _, frame := range frames {
				select {
				case out <- frame:
				default:
					select {
					case <-out:
					default:
					}
					out <- frame
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
	}
}

// splitJPEG はSOI/EOIマーカーで完全なJPEGを切り出し、残りを返す
func splitJPEG(data []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// マーカーの片割れが末尾にある可能性だけ残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return frames, data[len(data)-1:]
			}
			return frames, nil
		}
		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			return frames, data[start:]
		}
		end += start + 2 + 2 // マーカーのサイズを含める

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)
		data = data[end:]
	}
}

// dropPending は終端のないフレームを捨て、後続のSOIがあればそこから残す
func dropPending(data []byte) []byte {
	if next := bytes.Index(data[2:], jpegSOI); next != -1 {
		return append([]byte(nil), data[next+2:]...)
	}
	if data[len(data)-1] == 0xFF {
		return []byte{0xFF}
	}
	return nil
}

// validateJPEG はJPEGヘッダーが解釈できるかを確認する
func validateJPEG(frame []byte) error {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	if format != "jpeg" || cfg.Width == 0 || cfg.Height == 0 {
		return fmt.Errorf("%w: format=%s size=%dx%d", ErrCorruptFrame, format, cfg.Width, cfg.Height)
	}
	return nil
}
