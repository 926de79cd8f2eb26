package camera

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestSyntheticBackend_Open(t *testing.T) {
	ctx := context.Background()
	backend := NewSyntheticBackend(2)

	dev, err := backend.Open(ctx, 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = dev.Close() }()

	if _, err := backend.Open(ctx, 2); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable for id 2, got %v", err)
	}
}

func TestSyntheticDevice_Read(t *testing.T) {
	dev, err := NewSyntheticBackend(1).Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	first, err := dev.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if b := first.Bounds(); b.Dx() != defaultWidth || b.Dy() != defaultHeight {
		t.Errorf("Expected %dx%d frame, got %v", defaultWidth, defaultHeight, b)
	}

	second, err := dev.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if first == second {
		t.Error("Expected each Read to return a new image")
	}

	// 解像度の変更は次のフレームから反映される
	if err := dev.Set(PropWidth, 320); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := dev.Set(PropHeight, 240); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	img, err := dev.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("Expected 320x240 frame, got %v", b)
	}
}

func TestSyntheticDevice_SetClamps(t *testing.T) {
	dev, err := NewSyntheticBackend(1).Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tests := []struct {
		prop  Property
		value float64
		want  float64
	}{
		{PropBrightness, 300, 255},
		{PropBrightness, -5, 0},
		{PropBrightness, 90, 90},
		{PropHue, -500, -180},
		{PropFPS, 29.6, 30},
		{PropWidth, 10, 160},
	}

	for _, tt := range tests {
		if err := dev.Set(tt.prop, tt.value); err != nil {
			t.Errorf("Set(%s, %v) failed: %v", tt.prop, tt.value, err)
			continue
		}
		if got := dev.Get(tt.prop); got != tt.want {
			t.Errorf("Set(%s, %v): got %v, want %v", tt.prop, tt.value, got, tt.want)
		}
	}

	if err := dev.Set(PropGain, math.NaN()); err == nil {
		t.Error("Expected NaN to be rejected")
	}
}

func TestSyntheticBackend_InRegistry(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(NewSyntheticBackend(1))

	if _, err := registry.Connect(ctx, 0); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer registry.CloseAll()

	session, _ := registry.Get(0)
	settings := session.GetSettings()
	if settings["brightness"] != 128 {
		t.Errorf("Expected default brightness 128, got %v", settings["brightness"])
	}

	stream, err := NewStream(registry, 0)
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	data, err := stream.NextJPEG(ctx)
	if err != nil {
		t.Fatalf("NextJPEG failed: %v", err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("Expected JPEG data")
	}
}
