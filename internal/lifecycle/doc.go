// Package lifecycle は単一のカメラ＋エンコーダー資源に対する操作を直列化し、状態を公開する
//
// # 責務
// - 初期化（リトライ付き）、プレビュー・配信・録画・カメラ切替・リセットの実行順序の管理
// - Guard による device 呼び出しの相互排他
// - デバイス失敗の分類（Classify）とユーザー向け通知
// - Status スナップショットの公開と購読者への配信
//
// # 仕様
// - 状態の変更はすべて Guard を保持した状態で行い、変更ごとに完全な Status を公開する
// - 待機（settle delay / backoff）は Guard を解放した状態で行う
// - リセットはセッション世代（epoch）を進め、古い初期化処理やイベントを無効化する
// - 初期化は最大 3 回試行し、3 回目の失敗で明示的なリセットが必要な状態になる
// - デバイスの失敗や panic でホストプロセスを停止させない
package lifecycle
