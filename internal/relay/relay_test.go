package relay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"intelliegg/internal/camera"
	"intelliegg/internal/config"
)

func testRelayConfig() config.RelayConfig {
	cfg := config.Default().Relay
	cfg.Enabled = true
	cfg.URL = "rtmp://live.example.com/app/"
	cfg.StreamKey = "secret-key"
	cfg.RestartDelay = 20 * time.Millisecond
	return cfg
}

func TestTarget(t *testing.T) {
	cfg := testRelayConfig()

	if got := Target(cfg); got != "rtmp://live.example.com/app/secret-key" {
		t.Errorf("配信先が不正です: %s", got)
	}
	if got := RedactedTarget(cfg); strings.Contains(got, "secret-key") {
		t.Errorf("ストリームキーが伏せられていません: %s", got)
	}

	cfg.StreamKey = ""
	if got := Target(cfg); got != "rtmp://live.example.com/app" {
		t.Errorf("キーなしの配信先が不正です: %s", got)
	}
}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs(testRelayConfig(), 15)

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-f image2pipe",
		"-i -",
		"scale=640:360",
		"-b:v 1000k",
		"-f flv",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("引数に %q が含まれていません: %s", want, joined)
		}
	}
	if args[len(args)-1] != "rtmp://live.example.com/app/secret-key" {
		t.Errorf("最後の引数は配信先のはずです: %s", args[len(args)-1])
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestRunPipesFrames(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.bin")
	buffer := camera.NewFrameBuffer()

	r := New(testRelayConfig(), 15, buffer, zap.NewNop())
	r.program = "sh"
	r.args = []string{"-c", "cat > " + out}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// プロセスが起動して待機を始めるまでフレームを流し続ける
	ok := waitUntil(t, 3*time.Second, func() bool {
		buffer.Publish([]byte("frame;"))
		sent, _ := r.Stats()
		return sent >= 3
	})
	if !ok {
		t.Fatal("フレームが送信されていません")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Runがエラーを返しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("キャンセル後にRunが終了しません")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "frame;frame;") {
		t.Errorf("ffmpegの入力が不正です: %q", data)
	}
}

func TestRunRestartsAfterExit(t *testing.T) {
	buffer := camera.NewFrameBuffer()

	r := New(testRelayConfig(), 15, buffer, zap.NewNop())
	r.program = "sh"
	r.args = []string{"-c", "exit 1"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	ok := waitUntil(t, 3*time.Second, func() bool {
		_, restarts := r.Stats()
		return restarts >= 2
	})
	if !ok {
		t.Fatal("ffmpegの終了後に再起動されていません")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("配信の失敗は呼び出し元に返さないはずです: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("キャンセル後にRunが終了しません")
	}
}
