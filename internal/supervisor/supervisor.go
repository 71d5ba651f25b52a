// Package supervisor は常駐タスクの起動・停止と終了コードを管理する
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ExitCode はプロセスの終了コード
type ExitCode int

const (
	ExitClean  ExitCode = 0 // 正常終了
	ExitFatal  ExitCode = 1 // 致命的なエラー
	ExitForced ExitCode = 2 // 停止待ちがタイムアウトした
)

// ErrForced はタスクが強制停止されたことを表す
// これをラップしたエラーは致命的エラーではなく強制停止として扱う
var ErrForced = errors.New("強制停止しました")

// NotifyContext はSIGINT/SIGTERMでキャンセルされるコンテキストを返す
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Supervisor はタスクを起動し、最初の停止要因で全体を停止する
type Supervisor struct {
	ctx         context.Context
	cancel      context.CancelFunc
	joinTimeout time.Duration
	logger      *zap.Logger

	wg       sync.WaitGroup
	once     sync.Once
	mu       sync.Mutex
	fatalErr error
	forced   bool
	reason   string
}

// New は parent がキャンセルされると停止する Supervisor を作成する
func New(parent context.Context, joinTimeout time.Duration, logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:         ctx,
		cancel:      cancel,
		joinTimeout: joinTimeout,
		logger:      logger.With(zap.String("component", "supervisor")),
	}
	context.AfterFunc(parent, func() {
		s.Shutdown("停止シグナルを受信しました")
	})
	return s
}

// Context はタスクに渡すコンテキストを返す
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Go はタスクを起動する
// タスクのエラーとパニックは全体の停止につながる
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("タスクがパニックしました",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				s.Fail(name, fmt.Errorf("panic: %v", r))
			}
		}()

		s.logger.Debug("タスクを開始しました", zap.String("task", name))
		err := fn(s.ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			s.logger.Debug("タスクが終了しました", zap.String("task", name))
		default:
			s.Fail(name, err)
		}
	}()
}

// Fail はタスクの失敗を記録して全体を停止する
func (s *Supervisor) Fail(name string, err error) {
	s.mu.Lock()
	if errors.Is(err, ErrForced) {
		s.forced = true
	} else if s.fatalErr == nil {
		s.fatalErr = fmt.Errorf("%s: %w", name, err)
	}
	s.mu.Unlock()

	if errors.Is(err, ErrForced) {
		s.logger.Warn("タスクを強制停止しました", zap.String("task", name), zap.Error(err))
	} else {
		s.logger.Error("タスクが失敗しました", zap.String("task", name), zap.Error(err))
	}
	s.Shutdown(fmt.Sprintf("%s が失敗しました", name))
}

// Shutdown は全タスクを停止する。2回目以降の呼び出しは何もしない
func (s *Supervisor) Shutdown(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.logger.Info("シャットダウンを開始します", zap.String("reason", reason))
		s.cancel()
	})
}

// Wait は停止要因が発生するか全タスクが終わるまで待ち、終了コードを返す
func (s *Supervisor) Wait() ExitCode {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.Shutdown("全てのタスクが終了しました")
	case <-s.ctx.Done():
		timer := time.NewTimer(s.joinTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.logger.Error("タスクの停止待ちがタイムアウトしました", zap.Duration("timeout", s.joinTimeout))
			return ExitForced
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.fatalErr != nil:
		return ExitFatal
	case s.forced:
		return ExitForced
	default:
		return ExitClean
	}
}

// Err は最初に発生した致命的エラーを返す
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Reason は停止した理由を返す
func (s *Supervisor) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
