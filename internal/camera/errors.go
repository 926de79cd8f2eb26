package camera

import "errors"

var (
	// ErrNotOpen はデバイスが開かれていない
	ErrNotOpen = errors.New("camera: device not open")

	// ErrAlreadyOpen はセッションが既にデバイスを開いている
	ErrAlreadyOpen = errors.New("camera: device already open")

	// ErrUnknownSetting は設定名が不明
	ErrUnknownSetting = errors.New("camera: unknown setting")

	// ErrSettingRejected はドライバーが設定値を受け付けなかった
	ErrSettingRejected = errors.New("camera: setting rejected by driver")

	// ErrNotConnected はレジストリにセッションがない
	ErrNotConnected = errors.New("camera: not connected")

	// ErrStreamEnded はストリームが終了した（デバイスが切断された）
	ErrStreamEnded = errors.New("camera: stream ended")

	// ErrDeviceUnavailable はデバイスが存在しないか開けない
	ErrDeviceUnavailable = errors.New("camera: device unavailable")

	// ErrNoFrame はフレームがまだ取得できていない
	ErrNoFrame = errors.New("camera: no frame available")

	// ErrUnsupportedBackend は指定のバックエンドが使えない
	ErrUnsupportedBackend = errors.New("camera: unsupported backend")
)
