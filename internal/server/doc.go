// Package server は、カメラ映像を配信するHTTPサーバーを管理します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - MJPEGストリーム (/stream.mjpg) の複数クライアントへの配信
//   - WebSocket (/ws/stream) によるJPEGフレームの配信
//   - 静的ページ、スナップショット、ステータスAPIの提供
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - クライアントごとに接続後のフレームだけを順番に送る
//   - 遅いクライアントは他のクライアントやカメラを待たせない
//   - フレーム1枚ごとに書き込み期限を設定する
package server
