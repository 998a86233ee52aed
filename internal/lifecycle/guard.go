package lifecycle

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/panics"
)

// Guard はデバイスを変更する呼び出しを直列化する単一スロットのセマフォ
//
// 状態の読み取り（Status）はGuardを経由しない。
type Guard struct {
	sem chan struct{}
}

// NewGuard は新しいGuardを作成する
func NewGuard() *Guard {
	return &Guard{sem: make(chan struct{}, 1)}
}

// Do はGuardを取得してfnを実行する
//
// fn内のpanicはエラーに変換される。ctxがキャンセルされた場合は取得を諦める。
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.sem }()

	var pc panics.Catcher
	pc.Try(func() { err = fn(ctx) })
	if r := pc.Recovered(); r != nil {
		return errors.Wrap(r.AsError(), "デバイス呼び出しでpanicが発生")
	}
	return err
}
