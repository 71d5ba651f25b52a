package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFrameBuffer_WaitForNextReturnsNewerVersion(t *testing.T) {
	buf := NewFrameBuffer()
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		buf.Publish([]byte{byte(i)})
		frame, version, err := buf.WaitForNext(ctx, last)
		if err != nil {
			t.Fatalf("WaitForNext failed: %v", err)
		}
		if version <= last {
			t.Fatalf("バージョンが進んでいません: last=%d got=%d", last, version)
		}
		if frame.Data[0] != byte(i) {
			t.Errorf("最新ではないフレームが返されました: want %d got %d", i, frame.Data[0])
		}
		if frame.Seq != version {
			t.Errorf("Seqとバージョンが一致しません: %d != %d", frame.Seq, version)
		}
		last = version
	}
}

func TestFrameBuffer_ReturnsMostRecentAfterBurst(t *testing.T) {
	buf := NewFrameBuffer()
	buf.Publish([]byte("A"))
	buf.Publish([]byte("B"))
	buf.Publish([]byte("C"))

	frame, version, err := buf.WaitForNext(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if version != 3 || string(frame.Data) != "C" {
		t.Errorf("期待値 C@3, 実際 %s@%d", frame.Data, version)
	}
}

func TestFrameBuffer_WaitBlocksUntilPublish(t *testing.T) {
	buf := NewFrameBuffer()
	result := make(chan string, 1)

	go func() {
		frame, _, err := buf.WaitForNext(context.Background(), 0)
		if err != nil {
			result <- err.Error()
			return
		}
		result <- string(frame.Data)
	}()

	select {
	case got := <-result:
		t.Fatalf("Publish前に待機が解除されました: %s", got)
	case <-time.After(50 * time.Millisecond):
	}

	buf.Publish([]byte("first"))

	select {
	case got := <-result:
		if got != "first" {
			t.Errorf("期待値 first, 実際 %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish後も待機が解除されません")
	}
}

func TestFrameBuffer_CancelUnblocksWaiter(t *testing.T) {
	buf := NewFrameBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		_, _, err := buf.WaitForNext(ctx, 0)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("context.Canceled が期待されました: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("キャンセル後も待機が解除されません")
	}
}

func TestFrameBuffer_CloseUnblocksAllWaiters(t *testing.T) {
	buf := NewFrameBuffer()
	buf.Publish([]byte("only"))

	const waiters = 5
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := buf.WaitForNext(context.Background(), 1)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	buf.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrBufferClosed) {
			t.Errorf("ErrBufferClosed が期待されました: %v", err)
		}
	}

	if v := buf.Publish([]byte("late")); v != 1 {
		t.Errorf("Close後のPublishでバージョンが進みました: %d", v)
	}
}

func TestFrameBuffer_PublishNeverBlocksOnReaders(t *testing.T) {
	buf := NewFrameBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 読み取った後に何もしない読み手を大量に用意する
	for i := 0; i < 50; i++ {
		go func() {
			var last uint64
			for {
				_, v, err := buf.WaitForNext(ctx, last)
				if err != nil {
					return
				}
				last = v
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}

	start := time.Now()
	for i := 0; i < 1000; i++ {
		buf.Publish([]byte{byte(i)})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Publishが読み手に待たされています: %v", elapsed)
	}
	if v := buf.Version(); v != 1000 {
		t.Errorf("バージョンは1000であるべきです: %d", v)
	}
}

func TestFrameBuffer_LatestEmpty(t *testing.T) {
	buf := NewFrameBuffer()
	frame, version := buf.Latest()
	if frame != nil || version != 0 {
		t.Errorf("空のバッファは nil, 0 を返すべきです: %v, %d", frame, version)
	}
}
