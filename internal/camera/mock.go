package camera

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// MockBackend はテスト用のバックエンド実装
// 開いたハンドルの数や呼び出しの重なりを記録する
type MockBackend struct {
	mu        sync.Mutex
	available map[DeviceID]bool
	pattern   string

	opens       map[DeviceID]int
	openHandles map[DeviceID]int
	peakHandles map[DeviceID]int
	devices     map[DeviceID]*MockDevice

	// テスト制御用
	failReads  bool
	rejectSets bool
	readDelay  time.Duration
}

// NewMockBackend は指定IDのデバイスを持つMockBackendを作成する
func NewMockBackend(ids ...DeviceID) *MockBackend {
	b := &MockBackend{
		available:   make(map[DeviceID]bool),
		pattern:     "/dev/video%d",
		opens:       make(map[DeviceID]int),
		openHandles: make(map[DeviceID]int),
		peakHandles: make(map[DeviceID]int),
		devices:     make(map[DeviceID]*MockDevice),
	}
	for _, id := range ids {
		b.available[id] = true
	}
	return b
}

// Name はバックエンド名を返す
func (b *MockBackend) Name() string {
	return "mock"
}

// DevicePath はIDに対応するデバイスノードのパスを返す
func (b *MockBackend) DevicePath(id DeviceID) string {
	return fmt.Sprintf(b.pattern, int(id))
}

// Open はデバイスが利用可能ならMockDeviceを返す
func (b *MockBackend) Open(ctx context.Context, id DeviceID) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.opens[id]++
	if !b.available[id] {
		return nil, fmt.Errorf("%w: モック: カメラ %d は存在しません", ErrDeviceUnavailable, int(id))
	}

	b.openHandles[id]++
	if b.openHandles[id] > b.peakHandles[id] {
		b.peakHandles[id] = b.openHandles[id]
	}

	d := &MockDevice{
		backend:   b,
		id:        id,
		failReads: b.failReads,
		reject:    b.rejectSets,
		readDelay: b.readDelay,
		settings: map[Property]float64{
			PropBrightness: 128,
			PropContrast:   128,
			PropWidth:      16,
			PropHeight:     16,
			PropFPS:        30,
		},
	}
	b.devices[id] = d
	return d, nil
}

// SetAvailable はデバイスの有無を切り替える
func (b *MockBackend) SetAvailable(id DeviceID, available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available[id] = available
}

// SetFailReads は以降に開くデバイスのRead失敗を設定する
func (b *MockBackend) SetFailReads(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReads = fail
}

// SetRejectSettings は以降に開くデバイスのSet拒否を設定する
func (b *MockBackend) SetRejectSettings(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectSets = reject
}

// SetReadDelay は以降に開くデバイスのRead所要時間を設定する
func (b *MockBackend) SetReadDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readDelay = d
}

// OpenCount はOpenが呼ばれた回数を返す（失敗を含む）
func (b *MockBackend) OpenCount(id DeviceID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[id]
}

// OpenHandles は現在開いているハンドル数を返す
func (b *MockBackend) OpenHandles(id DeviceID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openHandles[id]
}

// PeakHandles は同時に開いていたハンドル数の最大値を返す
func (b *MockBackend) PeakHandles(id DeviceID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peakHandles[id]
}

// Device は最後に開いたMockDeviceを返す
func (b *MockBackend) Device(id DeviceID) *MockDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[id]
}

func (b *MockBackend) released(id DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openHandles[id]--
}

// MockDevice はテスト用のデバイス実装
// Readは毎回新しい一様グレーの画像を返す
type MockDevice struct {
	backend   *MockBackend
	id        DeviceID
	failReads bool
	reject    bool
	readDelay time.Duration

	settings map[Property]float64
	shade    uint8

	calls      atomic.Int64
	inFlight   atomic.Int32
	overlapped atomic.Bool
	closed     atomic.Bool
	readsAfter atomic.Int64
}

// enter は呼び出しの重なりを検出する
func (d *MockDevice) enter() func() {
	d.calls.Add(1)
	if d.inFlight.Add(1) > 1 {
		d.overlapped.Store(true)
	}
	if d.closed.Load() {
		d.readsAfter.Add(1)
	}
	return func() { d.inFlight.Add(-1) }
}

// Read は一様なグレー画像を返す
func (d *MockDevice) Read() (image.Image, error) {
	defer d.enter()()

	if d.readDelay > 0 {
		time.Sleep(d.readDelay)
	}
	if d.failReads {
		return nil, fmt.Errorf("%w: モック: 読み取り失敗", ErrNoFrame)
	}

	d.shade += 7
	w, h := int(d.settings[PropWidth]), int(d.settings[PropHeight])
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = d.shade
	}
	return img, nil
}

// Get はプロパティの値を返す
func (d *MockDevice) Get(p Property) float64 {
	defer d.enter()()
	return d.settings[p]
}

// Set はプロパティを保存する
func (d *MockDevice) Set(p Property, value float64) error {
	defer d.enter()()

	if d.reject {
		return fmt.Errorf("モック: %s の設定を拒否", p)
	}
	if (p == PropWidth || p == PropHeight) && value < 1 {
		return fmt.Errorf("モック: %s に %v は設定できません", p, value)
	}
	d.settings[p] = value
	return nil
}

// Close はハンドルを解放する
func (d *MockDevice) Close() error {
	defer d.enter()()

	if d.closed.Swap(true) {
		return fmt.Errorf("モック: カメラ %d は既に閉じています", int(d.id))
	}
	d.backend.released(d.id)
	return nil
}

// Calls はデバイスへの呼び出し回数を返す
func (d *MockDevice) Calls() int64 {
	return d.calls.Load()
}

// Overlapped は呼び出しが並行して行われたことがあるかを返す
func (d *MockDevice) Overlapped() bool {
	return d.overlapped.Load()
}

// Closed はCloseされたかを返す
func (d *MockDevice) Closed() bool {
	return d.closed.Load()
}

// CallsAfterClose はClose後に行われた呼び出しの数を返す
func (d *MockDevice) CallsAfterClose() int64 {
	return d.readsAfter.Load()
}
