// Package device カメラ＋エンコーダー資源（CameraStreamDevice）の抽象を担う
//
// # 責務
// - CameraStreamDevice インターフェースの定義（プレビュー・配信・録画・カメラ切替）
// - デバイスから非同期に届く接続／クライアントイベントの型定義
// - 音声準備の可否を明示的に申告する AudioCapable インターフェース
// - デバイス境界で発生する失敗の構造化（Error / Code）
// - ドライバー名からデバイスを生成するレジストリ
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - ライフサイクル制御からデバイスを差し替え可能にしたい
// - テストで失敗を注入できるデバイスが欲しい（MockDevice）
// - 設定のドライバー名から実デバイスを選びたい（Registry）
//
// # 仕様
// - デバイスのメソッドは呼び出し元をブロックせずにイベントを配送すること
// - Events() はセッション破棄まで同じチャンネルを返す
// - 失敗は *Error として返し、Code で分類可能にする
// - 音声準備をサポートしないデバイスは AudioCapable を実装しない
package device
