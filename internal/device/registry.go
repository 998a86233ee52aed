package device

import (
	"fmt"
	"sort"
	"sync"
)

// ドライバー名
const (
	DriverSimulated  = "simulated"
	DriverRTSPServer = "rtsp-server"
	DriverV4L2       = "v4l2"
	DriverScreen     = "screen"
)

// DriverConfig はドライバー作成設定
type DriverConfig struct {
	Driver     string         // ドライバー名
	RTSPPort   int            // RTSPサーバーの待受ポート
	StreamPath string         // 配信パス
	Video      VideoParams    // 既定の映像パラメータ
	Properties map[string]any // 追加プロパティ
}

// Creator はドライバー設定からOpenerを作成する関数の型
type Creator func(cfg DriverConfig) (Opener, error)

// Registry はドライバー名とCreatorの対応を管理する
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

// NewRegistry は新しいRegistryを作成する
//
// simulated ドライバーは常に登録される。
func NewRegistry() *Registry {
	r := &Registry{
		creators: make(map[string]Creator),
	}
	r.Register(DriverSimulated, func(_ DriverConfig) (Opener, error) {
		return MockOpener(NewMockDevice()), nil
	})
	return r
}

// Register はCreatorを登録する
func (r *Registry) Register(name string, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[name] = creator
}

// Open はドライバー名に対応するOpenerを作成する
func (r *Registry) Open(cfg DriverConfig) (Opener, error) {
	r.mu.RLock()
	creator, exists := r.creators[cfg.Driver]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("サポートされていないドライバー: %s", cfg.Driver)
	}

	opener, err := creator(cfg)
	if err != nil {
		return nil, fmt.Errorf("ドライバー %s の作成に失敗: %w", cfg.Driver, err)
	}
	return opener, nil
}

// Drivers は登録済みのドライバー名を返す
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.creators))
	for name := range r.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
