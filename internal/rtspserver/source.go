package rtspserver

import (
	"context"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"k8s.io/utils/clock"

	"rtspcam/internal/device"
)

// Frame はFrameSourceが生成する1アクセスユニット
type Frame struct {
	Audio bool          // 音声フレームか
	PTS   time.Duration // 表示時刻（ソース開始からの経過）
	AU    [][]byte      // 映像はNALUの列、音声は1要素
}

// Codec はソースが出力するストリームのパラメータ
type Codec struct {
	SPS   []byte
	PPS   []byte
	Audio *mpeg4audio.AudioSpecificConfig // nil なら音声なし
}

// FrameSource はエンコード済みフレームの供給元
type FrameSource interface {
	// Codec はストリームのパラメータを返す
	Codec() Codec

	// Frames は指定した向きのカメラからフレームの供給を開始する
	//
	// ctx の終了でチャンネルは閉じられる。
	Frames(ctx context.Context, facing device.Facing, params device.VideoParams) (<-chan Frame, error)
}

// StaticSource は固定のGOPを繰り返し供給するFrameSource
//
// テストとデモ用。
type StaticSource struct {
	codec Codec
	gop   [][][]byte
	audio []byte
	clock clock.WithTicker
}

// NewStaticSource は新しいStaticSourceを作成する
func NewStaticSource(codec Codec, gop [][][]byte, audioAU []byte, clk clock.WithTicker) *StaticSource {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &StaticSource{
		codec: codec,
		gop:   gop,
		audio: audioAU,
		clock: clk,
	}
}

// TestPatternSource は組み込みのGOPを供給するStaticSourceを返す
func TestPatternSource(withAudio bool) *StaticSource {
	codec := Codec{SPS: patternSPS, PPS: patternPPS}
	var audioAU []byte
	if withAudio {
		codec.Audio = &mpeg4audio.AudioSpecificConfig{
			Type:         2,
			SampleRate:   48000,
			ChannelCount: 1,
		}
		audioAU = patternAAC
	}

	gop := [][][]byte{{patternSPS, patternPPS, patternIDR}}
	for i := 0; i < 29; i++ {
		gop = append(gop, [][]byte{patternP})
	}
	return NewStaticSource(codec, gop, audioAU, nil)
}

// Codec はストリームのパラメータを返す
func (s *StaticSource) Codec() Codec {
	return s.codec
}

// Frames はFPSに合わせてGOPを繰り返し送信する
func (s *StaticSource) Frames(ctx context.Context, facing device.Facing, params device.VideoParams) (<-chan Frame, error) {
	if len(s.gop) == 0 {
		return nil, fmt.Errorf("GOPが空です")
	}
	if params.FPS <= 0 {
		return nil, fmt.Errorf("無効なFPS値: %d", params.FPS)
	}

	interval := time.Second / time.Duration(params.FPS)
	out := make(chan Frame, 8)

	go func() {
		defer close(out)

		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		var n int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
			}

			pts := time.Duration(n) * interval
			frames := []Frame{{PTS: pts, AU: s.gop[n%len(s.gop)]}}
			if s.audio != nil {
				frames = append(frames, Frame{Audio: true, PTS: pts, AU: [][]byte{s.audio}})
			}
			n++

			for _, f := range frames {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				default:
					// 消費が追いつかない場合は捨てる
				}
			}
		}
	}()

	return out, nil
}

var (
	patternSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	patternPPS = []byte{0x68, 0xce, 0x38, 0x80}
	patternIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	patternP   = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
	patternAAC = []byte{0x21, 0x10, 0x05, 0x00, 0xa0, 0x1b, 0xff, 0xc0}
)
