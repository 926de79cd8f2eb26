package camera

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"
)

// BackendOptions はバックエンド作成時の設定
type BackendOptions struct {
	DevicePattern    string        // v4l2のデバイスノード（例: /dev/video%d）
	FFmpegPath       string        // ffmpegの実行ファイル
	V4L2CtlPath      string        // v4l2-ctlの実行ファイル
	ReadTimeout      time.Duration // 1フレーム待ちの上限
	SyntheticDevices int           // 仮想カメラの台数
}

// BackendCreator はバックエンド作成関数の型
type BackendCreator func(opts BackendOptions) (Backend, error)

// DeviceNamer はデバイスの表示名を返せるバックエンド
type DeviceNamer interface {
	DeviceName(ctx context.Context, id DeviceID) (string, error)
}

// BackendFactory は名前からバックエンドを作成する
type BackendFactory struct {
	creators map[string]BackendCreator
	goos     string
}

// NewBackendFactory は標準のバックエンドを登録したファクトリーを作成する
func NewBackendFactory() *BackendFactory {
	f := &BackendFactory{
		creators: make(map[string]BackendCreator),
		goos:     runtime.GOOS,
	}

	f.Register("v4l2", newV4L2BackendFromOptions)
	f.Register("x11", newX11BackendFromOptions)
	f.Register("opencv", func(BackendOptions) (Backend, error) {
		return NewOpenCVBackend()
	})
	f.Register("synthetic", func(opts BackendOptions) (Backend, error) {
		return NewSyntheticBackend(opts.SyntheticDevices), nil
	})

	return f
}

// Register はバックエンド作成関数を登録する
func (f *BackendFactory) Register(name string, creator BackendCreator) {
	f.creators[name] = creator
}

// Resolve は "auto" を実際のバックエンド名に解決する
// LinuxではV4L2、それ以外ではOpenCVを使う
func (f *BackendFactory) Resolve(name string) string {
	if name != "" && name != "auto" {
		return name
	}
	if f.goos == "linux" {
		return "v4l2"
	}
	return "opencv"
}

// Create はバックエンドを作成する
func (f *BackendFactory) Create(name string, opts BackendOptions) (Backend, error) {
	resolved := f.Resolve(name)

	creator, exists := f.creators[resolved]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, resolved)
	}
	return creator(opts)
}

// SupportedBackends は登録済みのバックエンド名を返す
func (f *BackendFactory) SupportedBackends() []string {
	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newV4L2BackendFromOptions(opts BackendOptions) (Backend, error) {
	b := NewV4L2Backend()
	if opts.DevicePattern != "" {
		b.Pattern = opts.DevicePattern
	}
	if opts.FFmpegPath != "" {
		b.FFmpegPath = opts.FFmpegPath
	}
	if opts.V4L2CtlPath != "" {
		b.V4L2CtlPath = opts.V4L2CtlPath
	}
	if opts.ReadTimeout > 0 {
		b.ReadTimeout = opts.ReadTimeout
	}
	return b, nil
}

func newX11BackendFromOptions(opts BackendOptions) (Backend, error) {
	b := NewX11Backend()
	if opts.FFmpegPath != "" {
		b.FFmpegPath = opts.FFmpegPath
	}
	if opts.ReadTimeout > 0 {
		b.ReadTimeout = opts.ReadTimeout
	}
	return b, nil
}
