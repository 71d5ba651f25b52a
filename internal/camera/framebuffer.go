package camera

import (
	"context"
	"sync"
	"time"
)

// FrameBuffer は最新フレームを1枚だけ保持するスロット
// 書き込みは待たされず、読み手はバージョンの変化を待つ
type FrameBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   *Frame
	version uint64
	closed  bool
}

// NewFrameBuffer は空のFrameBufferを作成する
func NewFrameBuffer() *FrameBuffer {
	b := &FrameBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish はフレームを保存してバージョンを1つ進め、待機中の読み手を起こす
// 戻り値は新しいバージョン
func (b *FrameBuffer) Publish(data []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.version
	}

	b.version++
	b.frame = &Frame{
		Data:       data,
		CapturedAt: time.Now(),
		Seq:        b.version,
	}
	b.cond.Broadcast()
	return b.version
}

// WaitForNext は lastSeen と異なるバージョンのフレームが入るまで待つ
// ctx のキャンセルまたは Close で待機を解除する
func (b *FrameBuffer) WaitForNext(ctx context.Context, lastSeen uint64) (*Frame, uint64, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.version == lastSeen || b.frame == nil {
		if b.closed {
			return nil, lastSeen, ErrBufferClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, lastSeen, err
		}
		b.cond.Wait()
	}
	return b.frame, b.version, nil
}

// Latest は現在のフレームとバージョンを待たずに返す
// まだ一度も Publish されていなければ nil を返す
func (b *FrameBuffer) Latest() (*Frame, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.version
}

// Version は現在のバージョンを返す
func (b *FrameBuffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Close は待機中の読み手をすべて ErrBufferClosed で解放する
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
