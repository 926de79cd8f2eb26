package camera

import (
	"context"
	"reflect"
	"testing"

	"github.com/spf13/afero"
)

func newDeviceFs(t *testing.T, paths ...string) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/dev", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, p := range paths {
		if err := afero.WriteFile(fs, p, nil, 0o660); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	return fs
}

func TestEnumerator_NodeGated(t *testing.T) {
	ctx := context.Background()

	// 1はバックエンド上は開けるが、デバイスノードがない
	backend := NewMockBackend(0, 1, 2)
	fs := newDeviceFs(t, "/dev/video0", "/dev/video2")

	enumerator := NewEnumerator(backend, WithFs(fs), WithPolicy(ProbeNodeGated))
	got := enumerator.Detect(ctx, 10)

	want := []DeviceID{0, 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// ノードのないIDは開こうともしない
	if backend.OpenCount(1) != 0 {
		t.Errorf("Expected id 1 never to be opened, got %d opens", backend.OpenCount(1))
	}
}

func TestEnumerator_FailureHeuristic(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		available []DeviceID
		maxProbe  int
		want      []DeviceID
	}{
		{"連続する2台", []DeviceID{0, 1}, 10, []DeviceID{0, 1}},
		{"1つ飛ばし", []DeviceID{0, 2}, 10, []DeviceID{0, 2}},
		{"3連続失敗で打ち切り", []DeviceID{0, 5}, 10, []DeviceID{0}},
		{"先頭が空いていても2台目まで届く", []DeviceID{2}, 10, []DeviceID{2}},
		{"デバイスなし", nil, 10, []DeviceID{}},
		{"maxProbeが0", []DeviceID{0}, 0, []DeviceID{}},
		{"maxProbeの範囲外は見ない", []DeviceID{0, 1, 2}, 2, []DeviceID{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := NewMockBackend(tt.available...)
			enumerator := NewEnumerator(backend, WithPolicy(ProbeFailureHeuristic))

			got := enumerator.Detect(ctx, tt.maxProbe)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEnumerator_FailureHeuristicStopsProbing(t *testing.T) {
	backend := NewMockBackend(0, 9)
	enumerator := NewEnumerator(backend, WithPolicy(ProbeFailureHeuristic), WithMaxConsecutiveFailures(2))

	got := enumerator.Detect(context.Background(), 10)
	if !reflect.DeepEqual(got, []DeviceID{0}) {
		t.Errorf("Expected [0], got %v", got)
	}

	// 1,2で打ち切るので3以降は開かない
	for id := DeviceID(3); id < 10; id++ {
		if n := backend.OpenCount(id); n != 0 {
			t.Errorf("Expected id %d not to be probed, got %d opens", id, n)
		}
	}
}

func TestEnumerator_ReleasesProbedHandles(t *testing.T) {
	backend := NewMockBackend(0, 1)
	enumerator := NewEnumerator(backend, WithPolicy(ProbeFailureHeuristic))

	got := enumerator.Detect(context.Background(), 5)
	if len(got) != 2 {
		t.Fatalf("Expected 2 devices, got %v", got)
	}

	for _, id := range got {
		if n := backend.OpenHandles(id); n != 0 {
			t.Errorf("Expected probe handle for %d to be released, %d still open", id, n)
		}
		if !backend.Device(id).Closed() {
			t.Errorf("Expected device %d to be closed", id)
		}
	}
}

func TestEnumerator_DoesNotAffectConnectedSessions(t *testing.T) {
	ctx := context.Background()
	backend := NewMockBackend(0)
	registry := NewRegistry(backend)

	if _, err := registry.Connect(ctx, 0); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	session, _ := registry.Get(0)

	enumerator := NewEnumerator(backend, WithPolicy(ProbeFailureHeuristic))
	enumerator.Detect(ctx, 3)

	if !session.IsOpen() {
		t.Error("Expected connected session to stay open after detection")
	}
	if _, ok := session.AcquireFrame(); !ok {
		t.Error("Expected connected session to keep producing frames")
	}
}

func TestEnumerator_ContextCanceled(t *testing.T) {
	backend := NewMockBackend(0, 1, 2)
	enumerator := NewEnumerator(backend, WithPolicy(ProbeFailureHeuristic))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := enumerator.Detect(ctx, 10)
	if len(got) != 0 {
		t.Errorf("Expected no devices after cancellation, got %v", got)
	}
}

func TestEnumerator_Policy(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		policy  ProbePolicy
		goos    string
		want    ProbePolicy
	}{
		{"Linuxでノードあり", NewMockBackend(), ProbeAuto, "linux", ProbeNodeGated},
		{"Linux以外", NewMockBackend(), ProbeAuto, "darwin", ProbeFailureHeuristic},
		{"ノードなしのバックエンド", NewSyntheticBackend(1), ProbeAuto, "linux", ProbeFailureHeuristic},
		{"明示的なノード方式でもノードがなければ失敗方式", NewSyntheticBackend(1), ProbeNodeGated, "linux", ProbeFailureHeuristic},
		{"明示的な失敗方式", NewMockBackend(), ProbeFailureHeuristic, "linux", ProbeFailureHeuristic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEnumerator(tt.backend, WithPolicy(tt.policy), withGOOS(tt.goos))
			if got := e.Policy(); got != tt.want {
				t.Errorf("Expected policy %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEnumerator_SyntheticBackend(t *testing.T) {
	enumerator := NewEnumerator(NewSyntheticBackend(2))

	got := enumerator.Detect(context.Background(), 10)
	want := []DeviceID{0, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestParseProbePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    ProbePolicy
		wantErr bool
	}{
		{"auto", ProbeAuto, false},
		{"", ProbeAuto, false},
		{"node", ProbeNodeGated, false},
		{"failure", ProbeFailureHeuristic, false},
		{"random", "", true},
	}

	for _, tt := range tests {
		got, err := ParseProbePolicy(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseProbePolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseProbePolicy(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}
