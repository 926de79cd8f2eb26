package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Camera CameraConfig `yaml:"camera" mapstructure:"camera"`
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"` // リッスンするホスト
	Port int    `yaml:"port" mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`         // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`       // 書き込みタイムアウト（0でストリーミング向けに無効）
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"` // グレースフルシャットダウンの待ち時間
}

// CameraConfig はカメラデバイスとバックエンドの設定
type CameraConfig struct {
	Backend                string        `yaml:"backend" mapstructure:"backend"`                                   // auto, v4l2, x11, opencv, synthetic
	MaxProbe               int           `yaml:"max_probe" mapstructure:"max_probe"`                               // 検出時に試すID数
	ProbePolicy            string        `yaml:"probe_policy" mapstructure:"probe_policy"`                         // auto, node, failure
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"` // 連続失敗で検出を打ち切る回数
	DevicePattern          string        `yaml:"device_pattern" mapstructure:"device_pattern"`                     // 例: /dev/video%d
	SyntheticDevices       int           `yaml:"synthetic_devices" mapstructure:"synthetic_devices"`               // 合成カメラの台数
	FFmpegPath             string        `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	V4L2CtlPath            string        `yaml:"v4l2ctl_path" mapstructure:"v4l2ctl_path"`
	ReadTimeout            time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"` // 1フレーム読み取りの上限
}

// StreamConfig はMJPEG配信の設定
type StreamConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`         // フレーム間隔（約30fps）
	JPEGQuality int           `yaml:"jpeg_quality" mapstructure:"jpeg_quality"` // 1-100
	Boundary    string        `yaml:"boundary" mapstructure:"boundary"`         // multipartの境界文字列
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // text, json
}

var (
	validBackends = []string{"auto", "v4l2", "x11", "opencv", "synthetic"}
	validPolicies = []string{"auto", "node", "failure"}
)

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5001,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			Backend:                "auto",
			MaxProbe:               10,
			ProbePolicy:            "auto",
			MaxConsecutiveFailures: 3,
			DevicePattern:          "/dev/video%d",
			SyntheticDevices:       1,
			FFmpegPath:             "ffmpeg",
			V4L2CtlPath:            "v4l2-ctl",
			ReadTimeout:            2 * time.Second,
		},
		Stream: StreamConfig{
			Interval:    33 * time.Millisecond,
			JPEGQuality: 85,
			Boundary:    "frame",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// 優先順位: 環境変数 > 設定ファイル > デフォルト値
// pathが空の場合は設定ファイルを読まない
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	v.SetEnvPrefix("CAMSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 従来の環境変数名も受け付ける
	_ = v.BindEnv("server.host", "CAMSTREAM_SERVER_HOST", "SERVER_HOST")
	_ = v.BindEnv("server.port", "CAMSTREAM_SERVER_PORT", "SERVER_PORT", "PORT")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// setDefaults はデフォルト値をviperに登録する
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("camera.backend", d.Camera.Backend)
	v.SetDefault("camera.max_probe", d.Camera.MaxProbe)
	v.SetDefault("camera.probe_policy", d.Camera.ProbePolicy)
	v.SetDefault("camera.max_consecutive_failures", d.Camera.MaxConsecutiveFailures)
	v.SetDefault("camera.device_pattern", d.Camera.DevicePattern)
	v.SetDefault("camera.synthetic_devices", d.Camera.SyntheticDevices)
	v.SetDefault("camera.ffmpeg_path", d.Camera.FFmpegPath)
	v.SetDefault("camera.v4l2ctl_path", d.Camera.V4L2CtlPath)
	v.SetDefault("camera.read_timeout", d.Camera.ReadTimeout)

	v.SetDefault("stream.interval", d.Stream.Interval)
	v.SetDefault("stream.jpeg_quality", d.Stream.JPEGQuality)
	v.SetDefault("stream.boundary", d.Stream.Boundary)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if !contains(validBackends, c.Camera.Backend) {
		return fmt.Errorf("無効なバックエンド: %q (%s)", c.Camera.Backend, strings.Join(validBackends, ", "))
	}
	if !contains(validPolicies, c.Camera.ProbePolicy) {
		return fmt.Errorf("無効な検出ポリシー: %q (%s)", c.Camera.ProbePolicy, strings.Join(validPolicies, ", "))
	}
	if c.Camera.MaxProbe < 0 {
		return fmt.Errorf("無効な検出数: %d", c.Camera.MaxProbe)
	}
	if c.Camera.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("無効な連続失敗回数: %d", c.Camera.MaxConsecutiveFailures)
	}
	if c.Camera.SyntheticDevices < 0 {
		return fmt.Errorf("無効な合成カメラ台数: %d", c.Camera.SyntheticDevices)
	}
	if !strings.Contains(c.Camera.DevicePattern, "%d") {
		return fmt.Errorf("デバイスパターンに %%d が含まれていません: %q", c.Camera.DevicePattern)
	}

	// ストリーム設定の検証
	if c.Stream.Interval <= 0 {
		return fmt.Errorf("無効なフレーム間隔: %s", c.Stream.Interval)
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Stream.JPEGQuality)
	}
	if c.Stream.Boundary == "" {
		return fmt.Errorf("multipartの境界文字列が空です")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// WriteDefault はデフォルト設定をYAMLとして書き出す
// 既存のファイルは上書きしない
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("設定ファイルは既に存在します: %s", path)
	}

	v := viper.New()
	setDefaults(v, Default())

	data, err := yaml.Marshal(humanize(v.AllSettings()))
	if err != nil {
		return fmt.Errorf("設定のシリアライズに失敗: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("設定ディレクトリの作成に失敗: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("設定ファイルの書き込みに失敗: %w", err)
	}
	return nil
}

// humanize は時間値を "10s" のような文字列に置き換える
func humanize(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		switch val := v.(type) {
		case map[string]any:
			out[k] = humanize(val)
		case time.Duration:
			out[k] = val.String()
		default:
			out[k] = val
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
