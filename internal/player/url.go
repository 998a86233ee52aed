package player

import (
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/pkg/errors"
)

// 入力URLの検証エラー
var (
	ErrEmptyURL      = errors.New("URL Cannot be Empty")
	ErrUnsuitableURL = errors.New("URL NOT SUITABLE")
)

// ValidateURL は再生するRTSPのURLを検証する
func ValidateURL(raw string) (*base.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURL
	}
	if !strings.HasPrefix(raw, "rtsp://") {
		return nil, ErrUnsuitableURL
	}
	u, err := base.ParseURL(raw)
	if err != nil {
		return nil, errors.Wrap(ErrUnsuitableURL, err.Error())
	}
	return u, nil
}
