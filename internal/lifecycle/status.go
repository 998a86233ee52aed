package lifecycle

import (
	"sync"
	"time"

	"rtspcam/internal/device"
)

// Status はプレゼンテーション層に公開される読み取り専用のスナップショット
type Status struct {
	IsStreaming   bool   `json:"is_streaming"`
	IsRecording   bool   `json:"is_recording"`
	RTSPEndpoint  string `json:"rtsp_endpoint"`
	LastError     string `json:"last_error"`
	IsInitialized bool   `json:"is_initialized"`

	// 診断用
	Phase         Phase          `json:"phase"`
	Attempt       int            `json:"attempt"`
	ErrorKind     Kind           `json:"error_kind,omitempty"`
	Fatal         bool           `json:"fatal"`
	Preview       bool           `json:"preview"`
	CameraReady   bool           `json:"camera_ready"`
	Audio         AudioReadiness `json:"audio"`
	Facing        device.Facing  `json:"facing"`
	RecordingPath string         `json:"recording_path,omitempty"`
	Clients       []string       `json:"clients"`
	SessionID     string         `json:"session_id,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Level は通知の重要度
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification は一過性のユーザー向け通知
type Notification struct {
	ID         string    `json:"id"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	Persistent bool      `json:"persistent"` // 初期化リトライ上限到達時のバナー
	Time       time.Time `json:"time"`
}

// hubBufferSize は購読者ごとのバッファサイズ
const hubBufferSize = 16

// hub は値を購読者へ配信する
//
// 購読者のバッファがフルの場合は古い値を破棄して最新値を優先する。
type hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[int]chan T)}
}

// subscribe は購読を開始する。返された関数で購読を解除する
func (h *hub[T]) subscribe(initial ...T) (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, hubBufferSize)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	for _, v := range initial {
		ch <- v
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// publish は全購読者に値を送信する
func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			// バッファがフルの場合は古い値を破棄
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// close は全購読者のチャンネルを閉じる
func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
