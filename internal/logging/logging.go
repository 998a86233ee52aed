// Package logging はアプリケーション全体で使う slog ロガーを管理する
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init は標準出力へ書き込むロガーを初期化する
func Init(verbose bool) {
	InitWithWriter(os.Stdout, verbose)
}

// InitWithWriter は指定の出力先へ書き込むロガーを初期化する
//
// slog.SetDefault により標準の log パッケージの出力もこのロガーへ流れる。
func InitWithWriter(w io.Writer, verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	l := slog.New(slog.NewTextHandler(w, opts))

	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
}

// Get は設定済みのロガーを返す
func Get() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init(false)
		return Get()
	}
	return l
}

// Component はコンポーネント名付きのロガーを返す
func Component(name string) *slog.Logger {
	return Get().With("component", name)
}

// Discard は何も出力しないロガーを返す（テスト用）
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
