package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized はセッションがReadyでない状態で操作が呼ばれた場合に返される
	ErrNotInitialized = errors.New("カメラが初期化されていません")

	// ErrNotReady はプレビュー準備の待機中に操作が呼ばれた場合に返される
	ErrNotReady = errors.New("カメラの準備ができていません")

	// ErrSessionLost は操作中にセッションがリセットされた場合に返される
	ErrSessionLost = errors.New("操作中にカメラセッションが破棄されました")

	// ErrInitExhausted は初期化のリトライ上限に達した場合に返される
	ErrInitExhausted = errors.New("初期化のリトライ上限に達しました")

	// ErrDisposed は破棄済みのControllerに操作が呼ばれた場合に返される
	ErrDisposed = errors.New("コントローラーは破棄されています")
)

// Error は操作境界で分類されたエラー
type Error struct {
	Op       string
	Category Category
	Kind     Kind
	Action   Action
	Message  string // ユーザー向けメッセージ
	Fatal    bool   // 明示的なリセットが必要か
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError は分類結果からErrorを作成する
func newError(op string, c Classification, err error) *Error {
	return &Error{
		Op:       op,
		Category: c.Category,
		Kind:     c.Kind,
		Action:   c.Action,
		Message:  c.Message,
		Err:      err,
	}
}

// preconditionError は前提条件違反のErrorを作成する
func preconditionError(op string, sentinel error, message string) *Error {
	return &Error{
		Op:      op,
		Kind:    KindNone,
		Action:  ActionNone,
		Message: message,
		Err:     sentinel,
	}
}

// IsFatal はエラーが明示的なリセットを要するかを返す
func IsFatal(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Fatal
}
