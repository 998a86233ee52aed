// Package rtspserver はRTSPサーバーとしてカメラ映像を配信するデバイスドライバーを提供する
//
// 責務:
//   - FrameSource から受け取ったH.264 / MPEG-4 Audio のアクセスユニットをRTPにパケット化して配信する
//   - 視聴クライアントの接続・切断をデバイスイベントとして通知する
//   - 同じフレームを recording.MP4Writer へ書き込んで録画する
//
// エンコード自体は行わない。フレームは外部から注入された FrameSource が供給する。
package rtspserver
