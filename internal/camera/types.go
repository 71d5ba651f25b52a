package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status はカメラの動作状態を表す
type Status string

const (
	StatusInactive Status = "inactive" // カメラは停止中
	StatusWarming  Status = "warming"  // ウォームアップ中
	StatusActive   Status = "active"   // カメラは動作中
	StatusError    Status = "error"    // カメラでエラーが発生
)

// Frame はカメラから取得した1枚のJPEG画像
// Publish 後は変更しない
type Frame struct {
	Data       []byte    // JPEGデータ
	CapturedAt time.Time // 取得時刻
	Seq        uint64    // FrameBuffer が付与するバージョン
}

// Device は物理カメラへのハンドル
// CameraSource だけが操作する
type Device interface {
	// Open はデバイスを開き、最初のフレームが取得できる状態にする
	Open(ctx context.Context) error

	// ReadFrame は次のJPEGフレームを返す
	// デバイスが閉じられた場合は ErrDeviceClosed を返す
	ReadFrame(ctx context.Context) ([]byte, error)

	// Close はデバイスを解放する。複数回呼んでも安全
	Close() error
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はドライバーで使えるカメラを優先順に返す
	ScanDevices(ctx context.Context, driver string) ([]DeviceInfo, error)
}

var (
	// ErrCorruptFrame はJPEGとして解釈できないフレーム
	ErrCorruptFrame = errors.New("フレームが破損しています")
	// ErrFrameTimeout はフレームの到着が期限を超えた
	ErrFrameTimeout = errors.New("フレームの取得がタイムアウトしました")
	// ErrDeviceClosed はデバイスが応答しなくなった
	ErrDeviceClosed = errors.New("カメラデバイスが閉じられました")
	// ErrCaptureStalled は連続したキャプチャ失敗が上限に達した
	ErrCaptureStalled = errors.New("カメラが応答しません")
	// ErrBufferClosed は FrameBuffer が閉じられた
	ErrBufferClosed = errors.New("フレームバッファは閉じられています")
	// ErrNoDevice は自動検出でカメラが見つからなかった
	ErrNoDevice = errors.New("カメラデバイスが見つかりません")
)

// CameraInitError はリトライ上限までカメラを開けなかったことを表す
type CameraInitError struct {
	Device   string
	Attempts int
	Err      error
}

func (e *CameraInitError) Error() string {
	return fmt.Sprintf("カメラ %s の初期化に%d回失敗: %v", e.Device, e.Attempts, e.Err)
}

func (e *CameraInitError) Unwrap() error {
	return e.Err
}
