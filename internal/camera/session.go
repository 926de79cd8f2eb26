package camera

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"camstream/internal/logging"
)

// Session は1台の開いたキャプチャデバイスを保持する
//
// デバイスへの操作（フレーム取得、設定の読み書き、解放）は
// すべてmuで直列化される。多くのキャプチャバックエンドは同一ハンドルへの
// 並行呼び出しに対応していないため。
type Session struct {
	id      DeviceID
	backend Backend
	logger  *slog.Logger

	mu    sync.Mutex
	dev   Device
	frame image.Image // 最後に取得したフレーム
}

// NewSession は未オープンのSessionを作成する
func NewSession(id DeviceID, backend Backend) *Session {
	return &Session{
		id:      id,
		backend: backend,
		logger:  logging.With("camera_id", int(id), "backend", backend.Name()),
	}
}

// ID はデバイスIDを返す
func (s *Session) ID() DeviceID {
	return s.id
}

// IsOpen はデバイスが開いているかを返す
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// Open はバックエンドでデバイスを開く
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return ErrAlreadyOpen
	}

	dev, err := s.backend.Open(ctx, s.id)
	if err != nil {
		return fmt.Errorf("カメラ %d を開けません: %w", s.id, err)
	}

	s.dev = dev
	s.logger.Debug("デバイスを開きました")
	return nil
}

// AcquireFrame はデバイスから新しいフレームを1枚取得する
// デバイスが閉じている場合や読み取りに失敗した場合はfalseを返す（エラーではない）
func (s *Session) AcquireFrame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil, false
	}

	img, err := s.dev.Read()
	if err != nil || img == nil {
		s.logger.Debug("フレームの読み取りに失敗", "error", err)
		return nil, false
	}

	s.frame = img
	return img, true
}

// LatestFrame は最後に取得したフレームを返す（デバイスには触れない）
func (s *Session) LatestFrame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

// GetSettings は全プロパティの現在値をデバイスから読み出す
// デバイスが閉じている場合は空のマップを返す
func (s *Session) GetSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := make(Settings, len(Properties))
	if s.dev == nil {
		return settings
	}

	for _, p := range Properties {
		settings[p.String()] = s.dev.Get(p)
	}
	return settings
}

// SetSetting は名前で指定したプロパティに値を書き込む
// 不明な名前はデバイスに触れずにErrUnknownSettingを返す
func (s *Session) SetSetting(name string, value float64) error {
	prop, ok := ParseProperty(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return ErrNotOpen
	}

	if err := s.dev.Set(prop, value); err != nil {
		s.logger.Info("設定がドライバーに拒否されました", "setting", name, "value", value, "error", err)
		return fmt.Errorf("%w: %s=%v: %v", ErrSettingRejected, name, value, err)
	}

	s.logger.Debug("設定を更新しました", "setting", name, "value", value)
	return nil
}

// Release はデバイスを閉じてフレームバッファを破棄する
// 何度呼んでもよい
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return
	}

	if err := s.dev.Close(); err != nil {
		s.logger.Warn("デバイスの解放でエラー", "error", err)
	}
	s.dev = nil
	s.frame = nil
	s.logger.Debug("デバイスを解放しました")
}
