// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、カメラセッションの操作APIとステータス配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - カメラ操作（プレビュー、配信、録画、切替、リセット）のエンドポイント
//   - ステータスと通知のWebSocket配信
//   - 保存済み録画の一覧
//   - 静的ページの配信
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - WebSocketはgorilla/websocketを使用
//   - グレースフルシャットダウンに対応
//   - 操作エラーは分類に応じて 409 / 422 / 503 を返す
package server
