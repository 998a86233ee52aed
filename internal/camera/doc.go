// Package camera はローカルのカメラや画面をffmpegでキャプチャして配信ソースにする
//
// # 責務
// - V4L2デバイスの自動検出と実名取得
// - ffmpegによるキャプチャとH.264エンコード
// - Annex-Bストリームのアクセスユニット分割
// - v4l2 / screen ドライバーの登録
//
// # 仕様
//   - 背面カメラは検出順で先頭のデバイス、前面カメラは2番目のデバイス
//   - キーフレームごとにSPS/PPSを埋め込むため、配信途中から接続しても復号できる
//   - 起動時にSPS/PPSを取得できなければデバイスのオープンは失敗する
//   - 音声は扱わない
//
// # 前提要件
//   - v4l-utils: カメラ名とフォーマットの取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg (libx264): キャプチャとエンコードに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
