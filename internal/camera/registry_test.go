package camera

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// slowOpenBackend は指定IDのOpenだけ遅らせる
type slowOpenBackend struct {
	*MockBackend
	slow  DeviceID
	delay time.Duration
}

func (b *slowOpenBackend) Open(ctx context.Context, id DeviceID) (Device, error) {
	if id == b.slow {
		time.Sleep(b.delay)
	}
	return b.MockBackend.Open(ctx, id)
}

// elapsed はfの実行時間を返す
func elapsed(f func()) time.Duration {
	start := time.Now()
	f()
	return time.Since(start)
}

func TestRegistry_ConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0, 1)
	registry := NewRegistry(backend)

	status, err := registry.Connect(ctx, 0)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if status != StatusConnected {
		t.Errorf("Expected %s, got %s", StatusConnected, status)
	}

	if !reflect.DeepEqual(registry.List(), []DeviceID{0}) {
		t.Errorf("Expected [0], got %v", registry.List())
	}

	if got := registry.Disconnect(0); got != StatusDisconnected {
		t.Errorf("Expected %s, got %s", StatusDisconnected, got)
	}
	if len(registry.List()) != 0 {
		t.Errorf("Expected empty list, got %v", registry.List())
	}
	if backend.OpenHandles(0) != 0 {
		t.Errorf("Expected handle to be released, %d open", backend.OpenHandles(0))
	}
}

func TestRegistry_ConnectIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0)
	registry := NewRegistry(backend)

	if _, err := registry.Connect(ctx, 0); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first, _ := registry.Get(0)

	status, err := registry.Connect(ctx, 0)
	if err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if status != StatusAlreadyConnected {
		t.Errorf("Expected %s, got %s", StatusAlreadyConnected, status)
	}

	second, _ := registry.Get(0)
	if first != second {
		t.Error("Expected session to be unchanged by second Connect")
	}
	if backend.OpenCount(0) != 1 {
		t.Errorf("Expected device to be opened once, got %d", backend.OpenCount(0))
	}
}

func TestRegistry_ConnectFailure(t *testing.T) {
	backend := NewMockBackend()
	registry := NewRegistry(backend)

	status, err := registry.Connect(context.Background(), 7)
	if err == nil {
		t.Fatal("Expected Connect to fail for missing device")
	}
	if status != StatusConnectFailed {
		t.Errorf("Expected %s, got %s", StatusConnectFailed, status)
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if _, ok := registry.Get(7); ok {
		t.Error("Expected failed device not to be registered")
	}
}

func TestRegistry_DisconnectNotConnected(t *testing.T) {
	backend := NewMockBackend(0)
	registry := NewRegistry(backend)

	if got := registry.Disconnect(0); got != StatusNotConnected {
		t.Errorf("Expected %s, got %s", StatusNotConnected, got)
	}
	if registry.Len() != 0 {
		t.Errorf("Expected registry to stay empty, got %d", registry.Len())
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0, 1, 2, 3)
	registry := NewRegistry(backend)

	for _, id := range []DeviceID{3, 0, 2} {
		if _, err := registry.Connect(ctx, id); err != nil {
			t.Fatalf("Connect(%d) failed: %v", id, err)
		}
	}

	want := []DeviceID{0, 2, 3}
	if got := registry.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestRegistry_ReconnectCreatesNewSession(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0)
	registry := NewRegistry(backend)

	if _, err := registry.Connect(ctx, 0); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	old, _ := registry.Get(0)

	registry.Disconnect(0)
	if _, err := registry.Connect(ctx, 0); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	current, _ := registry.Get(0)

	if registry.Holds(0, old) {
		t.Error("Expected old session not to be held after reconnect")
	}
	if !registry.Holds(0, current) {
		t.Error("Expected new session to be held")
	}
}

func TestRegistry_ConcurrentConnectSingleHandle(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0)
	registry := NewRegistry(backend)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := registry.Connect(ctx, 0); err != nil {
				t.Errorf("Connect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if backend.PeakHandles(0) != 1 {
		t.Errorf("Expected at most 1 handle, peak was %d", backend.PeakHandles(0))
	}
}

func TestRegistry_ConcurrentConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0)
	registry := NewRegistry(backend)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = registry.Connect(ctx, 0)
		}()
		go func() {
			defer wg.Done()
			registry.Disconnect(0)
		}()
	}
	wg.Wait()

	if backend.PeakHandles(0) > 1 {
		t.Errorf("Expected at most 1 handle at any time, peak was %d", backend.PeakHandles(0))
	}

	registry.Disconnect(0)
	if backend.OpenHandles(0) != 0 {
		t.Errorf("Expected all handles released, %d open", backend.OpenHandles(0))
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0, 1, 2)
	registry := NewRegistry(backend)

	for _, id := range []DeviceID{0, 1, 2} {
		if _, err := registry.Connect(ctx, id); err != nil {
			t.Fatalf("Connect(%d) failed: %v", id, err)
		}
	}

	registry.CloseAll()

	if registry.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", registry.Len())
	}
	for _, id := range []DeviceID{0, 1, 2} {
		if backend.OpenHandles(id) != 0 {
			t.Errorf("Expected handle %d to be released", id)
		}
	}
}

// 遅い接続は他のIDの参照を止めない
func TestRegistry_SlowConnectDoesNotBlockOtherIDs(t *testing.T) {
	ctx := context.Background()
	backend := &slowOpenBackend{MockBackend: NewMockBackend(0, 1), slow: 1, delay: 500 * time.Millisecond}
	registry := NewRegistry(backend)

	if _, err := registry.Connect(ctx, 0); err != nil {
		t.Fatalf("Connect(0) failed: %v", err)
	}
	s0, _ := registry.Get(0)

	done := make(chan ConnectStatus, 1)
	go func() {
		status, _ := registry.Connect(ctx, 1)
		done <- status
	}()
	time.Sleep(50 * time.Millisecond)

	d := elapsed(func() {
		if _, ok := registry.Get(0); !ok {
			t.Error("Expected camera 0 to stay connected")
		}
		if !registry.Holds(0, s0) {
			t.Error("Expected camera 0 session to be held")
		}
		registry.List()
	})
	if d > 100*time.Millisecond {
		t.Errorf("Expected lookups on camera 0 to be fast during Connect(1), took %v", d)
	}

	// 接続中のIDへの2回目の接続は、完了を待ってalready_connectedになる
	status, err := registry.Connect(ctx, 1)
	if err != nil || status != StatusAlreadyConnected {
		t.Errorf("Expected already_connected while connect is in progress, got %s (%v)", status, err)
	}
	if got := <-done; got != StatusConnected {
		t.Errorf("Expected first Connect(1) to succeed, got %s", got)
	}
	if n := backend.OpenCount(1); n != 1 {
		t.Errorf("Expected camera 1 to be opened once, got %d", n)
	}
}

// 読み取り中のデバイスの切断は他のIDの参照を止めない
func TestRegistry_SlowDisconnectDoesNotBlockOtherIDs(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0, 1)
	registry := NewRegistry(backend)

	if _, err := registry.Connect(ctx, 0); err != nil {
		t.Fatalf("Connect(0) failed: %v", err)
	}
	backend.SetReadDelay(500 * time.Millisecond)
	if _, err := registry.Connect(ctx, 1); err != nil {
		t.Fatalf("Connect(1) failed: %v", err)
	}
	s0, _ := registry.Get(0)
	s1, _ := registry.Get(1)

	// カメラ1のセッションロックを読み取りで塞ぐ
	go s1.AcquireFrame()
	time.Sleep(50 * time.Millisecond)

	disconnected := make(chan struct{})
	go func() {
		registry.Disconnect(1)
		close(disconnected)
	}()
	time.Sleep(50 * time.Millisecond)

	d := elapsed(func() {
		if !registry.Holds(0, s0) {
			t.Error("Expected camera 0 session to be held")
		}
		if _, ok := registry.Get(0); !ok {
			t.Error("Expected camera 0 to stay connected")
		}
	})
	if d > 100*time.Millisecond {
		t.Errorf("Expected lookups on camera 0 to be fast during Disconnect(1), took %v", d)
	}

	// 登録は先に外れている
	if registry.Holds(1, s1) {
		t.Error("Expected camera 1 to be unregistered before its release finishes")
	}

	// 解放が終わるまで再接続は新しいハンドルを開かない
	d = elapsed(func() {
		if _, err := registry.Connect(ctx, 1); err != nil {
			t.Fatalf("Reconnect(1) failed: %v", err)
		}
	})
	if d < 200*time.Millisecond {
		t.Errorf("Expected reconnect to wait for the release to finish, took %v", d)
	}
	<-disconnected
	if peak := backend.PeakHandles(1); peak != 1 {
		t.Errorf("Expected at most 1 handle for camera 1, peak was %d", peak)
	}
}
