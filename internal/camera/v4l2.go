package camera

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"camstream/internal/logging"
)

const (
	defaultWidth  = 640
	defaultHeight = 480
	defaultFPS    = 30
)

// v4l2ControlNames はプロパティに対応するv4l2-ctlのコントロール名
// ドライバーやカーネルによって名前が違うものは候補を順に試す
var v4l2ControlNames = map[Property][]string{
	PropBrightness: {"brightness"},
	PropContrast:   {"contrast"},
	PropSaturation: {"saturation"},
	PropHue:        {"hue"},
	PropExposure:   {"exposure_time_absolute", "exposure_absolute"},
	PropGain:       {"gain"},
}

// V4L2Backend はLinuxのV4L2デバイスをffmpegとv4l2-ctl経由で扱う
type V4L2Backend struct {
	Pattern     string // 例: /dev/video%d
	FFmpegPath  string
	V4L2CtlPath string
	ReadTimeout time.Duration
	Width       int
	Height      int
	FPS         int
}

// NewV4L2Backend はデフォルト値でV4L2Backendを作成する
func NewV4L2Backend() *V4L2Backend {
	return &V4L2Backend{
		Pattern:     "/dev/video%d",
		FFmpegPath:  "ffmpeg",
		V4L2CtlPath: "v4l2-ctl",
		ReadTimeout: DefaultReadTimeout,
		Width:       defaultWidth,
		Height:      defaultHeight,
		FPS:         defaultFPS,
	}
}

// Name はバックエンド名を返す
func (b *V4L2Backend) Name() string {
	return "v4l2"
}

// DevicePath はIDに対応するデバイスノードのパスを返す
func (b *V4L2Backend) DevicePath(id DeviceID) string {
	return fmt.Sprintf(b.Pattern, int(id))
}

// Open はデバイスがビデオキャプチャに対応しているか確認してハンドルを返す
// ffmpegは最初のReadで起動する
func (b *V4L2Backend) Open(ctx context.Context, id DeviceID) (Device, error) {
	path := b.DevicePath(id)

	info, err := b.deviceInfo(ctx, path)
	switch {
	case err == nil:
		if !hasVideoCapture(info) {
			return nil, fmt.Errorf("%w: %s はビデオキャプチャに対応していません", ErrDeviceUnavailable, path)
		}
	case isNotFound(err):
		// v4l2-ctlが無い環境ではノードの存在だけ確認する
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, statErr)
		}
	default:
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, path, err)
	}

	d := &v4l2Device{
		path:    path,
		ctlPath: b.V4L2CtlPath,
		width:   b.Width,
		height:  b.Height,
		fps:     b.FPS,
		logger:  logging.With("camera_id", int(id), "device", path),
	}
	d.pipe = newFFmpegPipe(b.FFmpegPath, b.ReadTimeout, d.logger, d.ffmpegArgs)
	return d, nil
}

// DeviceName はカードタイプ名を返す
func (b *V4L2Backend) DeviceName(ctx context.Context, id DeviceID) (string, error) {
	path := b.DevicePath(id)
	info, err := b.deviceInfo(ctx, path)
	if err != nil {
		return "", fmt.Errorf("デバイス情報の取得に失敗: %w", err)
	}

	if name := parseDeviceInfo(info)["Card type"]; name != "" {
		return name, nil
	}
	return fmt.Sprintf("Camera %d", int(id)), nil
}

func (b *V4L2Backend) deviceInfo(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, b.V4L2CtlPath, "--device", path, "--info")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// v4l2Device は開いているV4L2デバイス
type v4l2Device struct {
	path    string
	ctlPath string
	width   int
	height  int
	fps     int
	logger  *slog.Logger
	pipe    *ffmpegPipe
}

func (d *v4l2Device) ffmpegArgs() []string {
	return []string{
		"-loglevel", "error",
		"-nostdin",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", d.width, d.height),
		"-framerate", strconv.Itoa(d.fps),
		"-i", d.path,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	}
}

// Read は最新のフレームを返す
func (d *v4l2Device) Read() (image.Image, error) {
	return d.pipe.read()
}

// Get はプロパティの現在値をドライバーから読む
// v4l2-ctlが使えない環境では解像度とfpsはキャプチャ設定値を返す
func (d *v4l2Device) Get(p Property) float64 {
	switch p {
	case PropWidth, PropHeight:
		width, height := d.width, d.height
		if w, h, err := d.format(); err == nil {
			width, height = w, h
		}
		if p == PropWidth {
			return float64(width)
		}
		return float64(height)
	case PropFPS:
		if fps, err := d.frameRate(); err == nil {
			return float64(fps)
		}
		return float64(d.fps)
	}

	for _, name := range v4l2ControlNames[p] {
		output, err := d.ctl("--get-ctrl=" + name)
		if err != nil {
			continue
		}
		if v, err := parseCtrlValue(output); err == nil {
			return v
		}
	}
	return 0
}

// Set はプロパティをドライバーに書き込む
// 解像度とfpsはffmpegを止めてから設定し、ドライバーが採用した値を読み戻す
func (d *v4l2Device) Set(p Property, value float64) error {
	n := int(math.Round(value))

	switch p {
	case PropWidth, PropHeight:
		if n <= 0 {
			return fmt.Errorf("%s には正の値が必要です: %v", p, value)
		}
		width, height := d.width, d.height
		if p == PropWidth {
			width = n
		} else {
			height = n
		}
		return d.setFormat(width, height)
	case PropFPS:
		if n <= 0 {
			return fmt.Errorf("%s には正の値が必要です: %v", p, value)
		}
		return d.setFrameRate(n)
	}

	names, ok := v4l2ControlNames[p]
	if !ok {
		return fmt.Errorf("未対応のプロパティ: %s", p)
	}

	var lastErr error
	for _, name := range names {
		if _, err := d.ctl(fmt.Sprintf("--set-ctrl=%s=%d", name, n)); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("コントロール %s の設定に失敗: %w", p, lastErr)
}

// setFormat は解像度を設定する
// キャプチャ中はフォーマットを変更できないため、先にffmpegを止める
func (d *v4l2Device) setFormat(width, height int) error {
	d.pipe.stop()

	_, err := d.ctl(fmt.Sprintf("--set-fmt-video=width=%d,height=%d", width, height))
	if isNotFound(err) {
		oldW, oldH := d.width, d.height
		return d.pipe.reconfigure(
			func() { d.width, d.height = width, height },
			func() { d.width, d.height = oldW, oldH },
		)
	}
	if err != nil {
		return fmt.Errorf("解像度 %dx%d がドライバーに拒否されました: %w", width, height, err)
	}

	// ドライバーは近いサイズに丸めることがある
	w, h, err := d.format()
	if err != nil {
		return err
	}
	d.width, d.height = w, h
	return nil
}

// setFrameRate はフレームレートを設定する
func (d *v4l2Device) setFrameRate(fps int) error {
	d.pipe.stop()

	_, err := d.ctl(fmt.Sprintf("--set-parm=%d", fps))
	if isNotFound(err) {
		old := d.fps
		return d.pipe.reconfigure(
			func() { d.fps = fps },
			func() { d.fps = old },
		)
	}
	if err != nil {
		return fmt.Errorf("フレームレート %d がドライバーに拒否されました: %w", fps, err)
	}

	got, err := d.frameRate()
	if err != nil {
		return err
	}
	d.fps = got
	return nil
}

// format はドライバーの現在の解像度を読む
func (d *v4l2Device) format() (int, int, error) {
	output, err := d.ctl("--get-fmt-video")
	if err != nil {
		return 0, 0, err
	}
	return parseFormatSize(output)
}

// frameRate はドライバーの現在のフレームレートを読む
func (d *v4l2Device) frameRate() (int, error) {
	output, err := d.ctl("--get-parm")
	if err != nil {
		return 0, err
	}
	return parseFrameRate(output)
}

// Close はffmpegを停止する
func (d *v4l2Device) Close() error {
	d.pipe.stop()
	return nil
}

func (d *v4l2Device) ctl(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.ctlPath, append([]string{"--device", d.path}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// parseCtrlValue は "brightness: 128" 形式の出力から値を取り出す
func parseCtrlValue(output string) (float64, error) {
	line := strings.TrimSpace(output)
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return 0, fmt.Errorf("コントロール値を解釈できません: %q", line)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
	if err != nil {
		return 0, fmt.Errorf("コントロール値を解釈できません: %q: %w", line, err)
	}
	return v, nil
}

// parseFormatSize は v4l2-ctl --get-fmt-video の "Width/Height : 640/480" を読む
func parseFormatSize(output string) (int, int, error) {
	value := parseDeviceInfo(output)["Width/Height"]
	w, h, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, fmt.Errorf("解像度を解釈できません: %q", value)
	}

	width, errW := strconv.Atoi(strings.TrimSpace(w))
	height, errH := strconv.Atoi(strings.TrimSpace(h))
	if errW != nil || errH != nil {
		return 0, 0, fmt.Errorf("解像度を解釈できません: %q", value)
	}
	return width, height, nil
}

// parseFrameRate は v4l2-ctl --get-parm の "Frames per second: 30.000 (30/1)" を読む
func parseFrameRate(output string) (int, error) {
	fields := strings.Fields(parseDeviceInfo(output)["Frames per second"])
	if len(fields) == 0 {
		return 0, fmt.Errorf("フレームレートが見つかりません")
	}

	fps, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("フレームレートを解釈できません: %q: %w", fields[0], err)
	}
	return int(math.Round(fps)), nil
}

// parseDeviceInfo は v4l2-ctl --info の "key : value" 行をマップにする
func parseDeviceInfo(output string) map[string]string {
	info := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if _, exists := info[key]; !exists {
			info[key] = value
		}
	}
	return info
}

// parseCapabilities は header 行に続く、より深くインデントされた能力名を返す
func parseCapabilities(output, header string) []string {
	var caps []string
	inSection := false
	sectionIndent := 0

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		if inSection {
			if indent <= sectionIndent {
				break
			}
			caps = append(caps, trimmed)
			continue
		}

		if strings.HasPrefix(trimmed, header) {
			inSection = true
			sectionIndent = indent
		}
	}
	return caps
}

// hasVideoCapture はデバイスノード自体がビデオキャプチャに対応しているかを返す
// UVCカメラはメタデータ用のノードも作るため、Device Capsを優先して見る
func hasVideoCapture(info string) bool {
	caps := parseCapabilities(info, "Device Caps")
	if len(caps) == 0 {
		caps = parseCapabilities(info, "Capabilities")
	}
	for _, c := range caps {
		if c == "Video Capture" || c == "Video Capture Multiplanar" {
			return true
		}
	}
	return false
}
