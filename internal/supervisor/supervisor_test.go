package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitExit(t *testing.T, s *Supervisor) ExitCode {
	t.Helper()
	ch := make(chan ExitCode, 1)
	go func() { ch <- s.Wait() }()
	select {
	case code := <-ch:
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("Waitが戻りません")
		return -1
	}
}

// blockUntilDone はキャンセルされるまで待つタスク
func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestSupervisor_SignalIsCleanExit(t *testing.T) {
	parent, signal := context.WithCancel(context.Background())
	s := New(parent, time.Second, zap.NewNop())

	var stopped atomic.Int32
	for i := 0; i < 3; i++ {
		s.Go(fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Add(1)
			return ctx.Err()
		})
	}

	signal()
	if code := waitExit(t, s); code != ExitClean {
		t.Errorf("終了コード 期待値 %d, 実際 %d", ExitClean, code)
	}
	if stopped.Load() != 3 {
		t.Errorf("全タスクが停止していません: %d", stopped.Load())
	}
}

func TestSupervisor_TaskErrorStopsSiblings(t *testing.T) {
	s := New(context.Background(), time.Second, zap.NewNop())

	var siblingStopped atomic.Bool
	s.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		siblingStopped.Store(true)
		return nil
	})
	want := errors.New("capture stalled")
	s.Go("camera", func(ctx context.Context) error {
		return want
	})

	if code := waitExit(t, s); code != ExitFatal {
		t.Errorf("終了コード 期待値 %d, 実際 %d", ExitFatal, code)
	}
	if !siblingStopped.Load() {
		t.Error("他のタスクが停止していません")
	}
	if !errors.Is(s.Err(), want) {
		t.Errorf("最初のエラーが記録されていません: %v", s.Err())
	}
}

func TestSupervisor_PanicIsFatal(t *testing.T) {
	s := New(context.Background(), time.Second, zap.NewNop())
	s.Go("sibling", blockUntilDone)
	s.Go("broken", func(ctx context.Context) error {
		panic("boom")
	})

	if code := waitExit(t, s); code != ExitFatal {
		t.Errorf("終了コード 期待値 %d, 実際 %d", ExitFatal, code)
	}
}

func TestSupervisor_JoinTimeoutIsForced(t *testing.T) {
	s := New(context.Background(), 50*time.Millisecond, zap.NewNop())

	release := make(chan struct{})
	defer close(release)
	s.Go("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	s.Shutdown("test")
	if code := waitExit(t, s); code != ExitForced {
		t.Errorf("終了コード 期待値 %d, 実際 %d", ExitForced, code)
	}
}

func TestSupervisor_ForcedErrorIsNotFatal(t *testing.T) {
	s := New(context.Background(), time.Second, zap.NewNop())
	s.Go("server", func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("%w: 接続を切断しました", ErrForced)
	})

	s.Shutdown("test")
	if code := waitExit(t, s); code != ExitForced {
		t.Errorf("終了コード 期待値 %d, 実際 %d", ExitForced, code)
	}
	if s.Err() != nil {
		t.Errorf("強制停止は致命的エラーとして記録されないはずです: %v", s.Err())
	}
}

func TestSupervisor_ShutdownIsIdempotent(t *testing.T) {
	s := New(context.Background(), time.Second, zap.NewNop())
	s.Go("task", blockUntilDone)

	s.Shutdown("first")
	s.Shutdown("second")
	s.Fail("late", errors.New("after shutdown"))

	if s.Reason() != "first" {
		t.Errorf("最初の停止理由が保持されていません: %s", s.Reason())
	}
	if code := waitExit(t, s); code != ExitFatal {
		t.Errorf("停止後の失敗も終了コードに反映されるはずです: %d", code)
	}
}

func TestSupervisor_AllTasksFinished(t *testing.T) {
	s := New(context.Background(), time.Second, zap.NewNop())
	s.Go("oneshot", func(ctx context.Context) error { return nil })

	if code := waitExit(t, s); code != ExitClean {
		t.Errorf("終了コード 期待値 %d, 実際 %d", ExitClean, code)
	}
	if s.Context().Err() == nil {
		t.Error("全タスクの終了後はコンテキストがキャンセルされるはずです")
	}
}
