package device

import (
	"errors"
	"fmt"
)

// Code はデバイス境界で発生した失敗の種類
type Code string

const (
	CodeUnknown          Code = "unknown"           // 分類不能
	CodeRestricted       Code = "restricted"        // システムポリシーによりカメラ利用が制限されている
	CodeCameraOpen       Code = "camera_open"       // カメラのオープン／初期化に失敗
	CodeParameters       Code = "parameters"        // パラメータ非互換
	CodeAudioUnsupported Code = "audio_unsupported" // 音声準備が未サポート
	CodeNetwork          Code = "network"           // ネットワーク障害
	CodeAuth             Code = "auth"              // 認証失敗
)

// デバイス操作名
const (
	OpOpen         = "Open"
	OpPrepareVideo = "PrepareVideo"
	OpPrepareAudio = "PrepareAudio"
	OpStartPreview = "StartPreview"
	OpStopPreview  = "StopPreview"
	OpStartStream  = "StartStream"
	OpStopStream   = "StopStream"
	OpStartRecord  = "StartRecord"
	OpStopRecord   = "StopRecord"
	OpSwitchCamera = "SwitchCamera"
	OpClose        = "Close"
)

// ErrClosed は破棄済みデバイスへの呼び出しで返される
var ErrClosed = errors.New("デバイスは既に解放されています")

// Error はデバイス操作の構造化された失敗
type Error struct {
	Op   string
	Code Code
	Err  error
}

// NewError は新しいErrorを作成する
func NewError(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// Errorf はメッセージから新しいErrorを作成する
func Errorf(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf はエラーチェーンから構造化コードを取り出す
func CodeOf(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) && de.Code != "" {
		return de.Code, true
	}
	return CodeUnknown, false
}
