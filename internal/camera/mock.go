package camera

import (
	"context"
	"sync"
	"time"
)

// MockDevice はテスト用のDevice実装
// 決められたフレーム列を一定間隔で返す
type MockDevice struct {
	// FailOpens 回目までの Open は OpenErr を返す
	FailOpens int
	OpenErr   error
	// Frames を Interval ごとに返す。尽きたら EndErr を返すか、Close まで待つ
	Frames   [][]byte
	Interval time.Duration
	EndErr   error
	// ReadErrs は Frames の前に返すエラー列
	ReadErrs []error

	mu         sync.Mutex
	opens      int
	closes     int
	idx        int
	closedCh   chan struct{}
	closedOnce sync.Once
}

// NewMockDevice はフレーム列を返すMockDeviceを作成する
func NewMockDevice(interval time.Duration, frames ...[]byte) *MockDevice {
	return &MockDevice{
		Frames:   frames,
		Interval: interval,
	}
}

func (m *MockDevice) init() {
	if m.closedCh == nil {
		m.closedCh = make(chan struct{})
	}
}

// Open は FailOpens 回まで失敗する
func (m *MockDevice) Open(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.opens++
	if m.opens <= m.FailOpens {
		return m.OpenErr
	}
	return nil
}

// ReadFrame は次のフレームを返す
func (m *MockDevice) ReadFrame(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	m.init()
	closedCh := m.closedCh
	if len(m.ReadErrs) > 0 {
		err := m.ReadErrs[0]
		m.ReadErrs = m.ReadErrs[1:]
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if err := m.wait(ctx, closedCh); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.idx < len(m.Frames) {
		frame := m.Frames[m.idx]
		m.idx++
		m.mu.Unlock()
		return frame, nil
	}
	endErr := m.EndErr
	m.mu.Unlock()

	if endErr != nil {
		return nil, endErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closedCh:
		return nil, ErrDeviceClosed
	}
}

func (m *MockDevice) wait(ctx context.Context, closedCh chan struct{}) error {
	if m.Interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-closedCh:
		return ErrDeviceClosed
	}
}

// Close はデバイスを閉じたことを記録する
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.closes++
	m.closedOnce.Do(func() { close(m.closedCh) })
	return nil
}

// Opens は Open が呼ばれた回数を返す
func (m *MockDevice) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes は Close が呼ばれた回数を返す
func (m *MockDevice) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}
