//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

var gocvProperties = map[Property]gocv.VideoCaptureProperties{
	PropBrightness: gocv.VideoCaptureBrightness,
	PropContrast:   gocv.VideoCaptureContrast,
	PropSaturation: gocv.VideoCaptureSaturation,
	PropHue:        gocv.VideoCaptureHue,
	PropExposure:   gocv.VideoCaptureExposure,
	PropGain:       gocv.VideoCaptureGain,
	PropWidth:      gocv.VideoCaptureFrameWidth,
	PropHeight:     gocv.VideoCaptureFrameHeight,
	PropFPS:        gocv.VideoCaptureFPS,
}

// OpenCVBackend はOpenCVのVideoCaptureでデバイスを開く
// -tags gocv でビルドしたときだけ有効
type OpenCVBackend struct{}

// NewOpenCVBackend はOpenCVBackendを作成する
func NewOpenCVBackend() (Backend, error) {
	return &OpenCVBackend{}, nil
}

// Name はバックエンド名を返す
func (b *OpenCVBackend) Name() string {
	return "opencv"
}

// Open はVideoCaptureを開く
func (b *OpenCVBackend) Open(_ context.Context, id DeviceID) (Device, error) {
	capture, err := gocv.OpenVideoCapture(int(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("%w: カメラ %d を開けません", ErrDeviceUnavailable, int(id))
	}

	return &opencvDevice{capture: capture}, nil
}

type opencvDevice struct {
	capture *gocv.VideoCapture
}

// Read は1フレーム読み取り、Goの画像に変換して返す
func (d *opencvDevice) Read() (image.Image, error) {
	mat := gocv.NewMat()
	defer mat.Close()

	if ok := d.capture.Read(&mat); !ok {
		return nil, fmt.Errorf("%w: フレームの読み取りに失敗", ErrNoFrame)
	}
	if mat.Empty() {
		return nil, fmt.Errorf("%w: 空のフレーム", ErrNoFrame)
	}

	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("画像への変換に失敗: %w", err)
	}
	return img, nil
}

// Get はプロパティの値を返す
func (d *opencvDevice) Get(p Property) float64 {
	prop, ok := gocvProperties[p]
	if !ok {
		return 0
	}
	return d.capture.Get(prop)
}

// Set はプロパティを書き込む
// VideoCaptureは拒否を返さないので、値の扱いはドライバー次第
func (d *opencvDevice) Set(p Property, value float64) error {
	prop, ok := gocvProperties[p]
	if !ok {
		return fmt.Errorf("未対応のプロパティ: %s", p)
	}
	d.capture.Set(prop, value)
	return nil
}

// Close はVideoCaptureを解放する
func (d *opencvDevice) Close() error {
	return d.capture.Close()
}
