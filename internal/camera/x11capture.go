package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"time"

	"camstream/internal/logging"
)

// X11Backend はX11画面をffmpegのx11grabでキャプチャする
// デバイスID N はディスプレイ ":N" に対応する
type X11Backend struct {
	FFmpegPath  string
	ReadTimeout time.Duration
	Width       int
	Height      int
	FPS         int
}

// NewX11Backend はデフォルト値でX11Backendを作成する
func NewX11Backend() *X11Backend {
	return &X11Backend{
		FFmpegPath:  "ffmpeg",
		ReadTimeout: DefaultReadTimeout,
		Width:       1280,
		Height:      720,
		FPS:         15,
	}
}

// Name はバックエンド名を返す
func (b *X11Backend) Name() string {
	return "x11"
}

// Display はIDに対応するディスプレイ名を返す
func (b *X11Backend) Display(id DeviceID) string {
	return ":" + id.String()
}

// Open はディスプレイが利用可能か確認してハンドルを返す
func (b *X11Backend) Open(ctx context.Context, id DeviceID) (Device, error) {
	display := b.Display(id)

	// xdpyinfoでX11ディスプレイの利用可能性をチェック
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "xdpyinfo", "-display", display)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: ディスプレイ %s: %v (stderr: %s)", ErrDeviceUnavailable, display, err, stderr.String())
	}

	d := &x11Device{
		display: display,
		width:   b.Width,
		height:  b.Height,
		fps:     b.FPS,
		logger:  logging.With("camera_id", int(id), "display", display),
	}
	d.pipe = newFFmpegPipe(b.FFmpegPath, b.ReadTimeout, d.logger, d.ffmpegArgs)
	return d, nil
}

// DeviceName はディスプレイ名を含む表示名を返す
func (b *X11Backend) DeviceName(_ context.Context, id DeviceID) (string, error) {
	return "X11 Screen (" + b.Display(id) + ")", nil
}

// x11Device は開いているX11画面キャプチャ
// 画質系のプロパティは持たず、解像度とfpsだけ変更できる
type x11Device struct {
	display string
	width   int
	height  int
	fps     int
	logger  *slog.Logger
	pipe    *ffmpegPipe
}

func (d *x11Device) ffmpegArgs() []string {
	return []string{
		"-loglevel", "error",
		"-nostdin",
		"-f", "x11grab",
		"-video_size", fmt.Sprintf("%dx%d", d.width, d.height),
		"-framerate", strconv.Itoa(d.fps),
		"-i", d.display,
		"-vf", "format=yuv420p",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	}
}

// Read は最新のフレームを返す
func (d *x11Device) Read() (image.Image, error) {
	return d.pipe.read()
}

// Get は解像度とfpsを返す。それ以外は0
func (d *x11Device) Get(p Property) float64 {
	switch p {
	case PropWidth:
		return float64(d.width)
	case PropHeight:
		return float64(d.height)
	case PropFPS:
		return float64(d.fps)
	default:
		return 0
	}
}

// Set は解像度とfpsを変更し、キャプチャを再起動する
// 新しい設定でフレームが取れなければ元の設定に戻してエラーを返す
func (d *x11Device) Set(p Property, value float64) error {
	n := int(math.Round(value))
	if n <= 0 {
		return fmt.Errorf("%s には正の値が必要です: %v", p, value)
	}

	var target *int
	switch p {
	case PropWidth:
		target = &d.width
	case PropHeight:
		target = &d.height
	case PropFPS:
		target = &d.fps
	default:
		return fmt.Errorf("画面キャプチャは %s に対応していません", p)
	}

	old := *target
	return d.pipe.reconfigure(
		func() { *target = n },
		func() { *target = old },
	)
}

// Close はffmpegを停止する
func (d *x11Device) Close() error {
	d.pipe.stop()
	return nil
}
