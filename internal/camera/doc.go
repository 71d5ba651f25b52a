// Package camera はカメラデバイスの専有とフレームの共有を担う
//
// # 責務
// - キャプチャプロセス (ffmpeg / libcamera-vid) からのJPEGフレーム取得
// - 初期化のリトライとウォームアップ
// - 最新フレームを1枚だけ保持する FrameBuffer による読み手への共有
// - V4L2デバイスの自動検出
//
// # 仕様
// - デバイスに触れるのは Source だけで、他のコンポーネントは FrameBuffer を読む
// - 破損フレームやタイムアウトは読み飛ばし、連続して上限に達したら停止する
// - キャプチャプロセスの終了は即座に致命的エラーとして扱う
// - Stop は何度呼んでも安全
//
// # 前提要件
//   - ffmpeg: USBカメラからのキャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - libcamera-apps: Raspberry Pi カメラモジュールを使う場合
//   - v4l-utils: device: auto での自動検出に使用
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
