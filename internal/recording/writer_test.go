package recording

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtspcam/internal/logging"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
)

func writeSampleFile(t *testing.T, path string) {
	t.Helper()

	w, err := Create(path, WriterConfig{Logger: logging.Discard()})
	require.NoError(t, err)

	// キーフレーム前のフレームは捨てられる
	require.NoError(t, w.WriteH264(0, [][]byte{testPFrame}))
	require.NoError(t, w.WriteH264(0, [][]byte{testSPS, testPPS, testIDR}))
	require.NoError(t, w.WriteH264(33*time.Millisecond, [][]byte{testPFrame}))
	require.NoError(t, w.WriteH264(66*time.Millisecond, [][]byte{testPFrame}))
	assert.Equal(t, 3, w.VideoSamples())
	require.NoError(t, w.Close())
}

func TestMP4Writer_VideoOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "20240101_000000.mp4")
	writeSampleFile(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "ftyp", string(data[4:8]))
}

func TestMP4Writer_NoKeyframe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mp4")
	w, err := Create(path, WriterConfig{SPS: testSPS, PPS: testPPS, Logger: logging.Discard()})
	require.NoError(t, err)

	require.NoError(t, w.WriteH264(0, [][]byte{testPFrame}))
	assert.Equal(t, 0, w.VideoSamples())
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestMP4Writer_WithAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "av.mp4")
	w, err := Create(path, WriterConfig{
		SPS: testSPS,
		PPS: testPPS,
		Audio: &mpeg4audio.AudioSpecificConfig{
			Type:         2,
			SampleRate:   44100,
			ChannelCount: 1,
		},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)

	aac := []byte{0x21, 0x10, 0x05, 0x00}
	// 初期化セグメント前の音声は無視される
	require.NoError(t, w.WriteAAC(0, aac))

	require.NoError(t, w.WriteH264(0, [][]byte{testIDR}))
	require.NoError(t, w.WriteAAC(0, aac))
	require.NoError(t, w.WriteAAC(23*time.Millisecond, aac))
	require.NoError(t, w.WriteH264(33*time.Millisecond, [][]byte{testPFrame}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", string(data[4:8]))
}

func TestMP4Writer_Closed(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "c.mp4"), WriterConfig{Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteH264(0, [][]byte{testIDR}), ErrWriterClosed)
	assert.ErrorIs(t, w.WriteAAC(0, []byte{1}), ErrWriterClosed)
}

func TestDurationToTicks(t *testing.T) {
	assert.Equal(t, int64(0), durationToTicks(-time.Second, videoTimeScale))
	assert.Equal(t, int64(90000), durationToTicks(time.Second, videoTimeScale))
	assert.Equal(t, int64(9000), durationToTicks(100*time.Millisecond, videoTimeScale))
	assert.Equal(t, int64(48000*3600*30), durationToTicks(30*time.Hour, 48000))
}
