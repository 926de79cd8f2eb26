package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// propertyRange はドライバーが受け付ける値域とデフォルト値
type propertyRange struct {
	min, max, def float64
}

// syntheticRanges は実機のUVCカメラに近い値域
var syntheticRanges = map[Property]propertyRange{
	PropBrightness: {0, 255, 128},
	PropContrast:   {0, 255, 128},
	PropSaturation: {0, 255, 128},
	PropHue:        {-180, 180, 0},
	PropExposure:   {1, 10000, 156},
	PropGain:       {0, 100, 0},
	PropWidth:      {160, 1920, defaultWidth},
	PropHeight:     {120, 1080, defaultHeight},
	PropFPS:        {1, 60, defaultFPS},
}

// SyntheticBackend はテストパターンを生成する仮想カメラ
// ID 0..Devices-1 が利用可能
type SyntheticBackend struct {
	Devices int
}

// NewSyntheticBackend は指定台数の仮想カメラを持つバックエンドを作成する
func NewSyntheticBackend(devices int) *SyntheticBackend {
	return &SyntheticBackend{Devices: devices}
}

// Name はバックエンド名を返す
func (b *SyntheticBackend) Name() string {
	return "synthetic"
}

// Open は仮想カメラを開く
func (b *SyntheticBackend) Open(_ context.Context, id DeviceID) (Device, error) {
	if int(id) >= b.Devices {
		return nil, fmt.Errorf("%w: 仮想カメラ %d は存在しません", ErrDeviceUnavailable, int(id))
	}

	settings := make(map[Property]float64, len(syntheticRanges))
	for p, r := range syntheticRanges {
		settings[p] = r.def
	}

	seed := uint64(time.Now().UnixNano())
	return &syntheticDevice{
		id:       id,
		settings: settings,
		rng:      rand.New(rand.NewPCG(seed, uint64(id))),
		now:      time.Now,
	}, nil
}

// DeviceName は表示名を返す
func (b *SyntheticBackend) DeviceName(_ context.Context, id DeviceID) (string, error) {
	return fmt.Sprintf("Synthetic Camera %d", int(id)), nil
}

type syntheticDevice struct {
	id       DeviceID
	settings map[Property]float64
	frames   int
	rng      *rand.Rand
	now      func() time.Time
}

// Read は次のテストパターンを描画する
func (d *syntheticDevice) Read() (image.Image, error) {
	w := int(d.settings[PropWidth])
	h := int(d.settings[PropHeight])
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	drawGradient(img)

	// 画面中央を周回する円
	t := float64(d.frames) * 0.05
	cx := w/2 + int(float64(w)/6*math.Sin(t))
	cy := h/2 + int(float64(h)/5*math.Cos(t))
	drawCircle(img, cx, cy, min(w, h)/14, color.RGBA{0, 255, 0, 255})

	drawText(img, 10, 20, fmt.Sprintf("Virtual Camera %d - Frame: %d", int(d.id), d.frames), color.RGBA{255, 255, 255, 255})
	drawText(img, 10, 40, d.now().Format("15:04:05"), color.RGBA{255, 255, 0, 255})

	d.applyNoiseAndLevels(img)

	d.frames++
	return img, nil
}

// Get は保持している値を返す
func (d *syntheticDevice) Get(p Property) float64 {
	return d.settings[p]
}

// Set は値域に丸めて保存する
func (d *syntheticDevice) Set(p Property, value float64) error {
	r, ok := syntheticRanges[p]
	if !ok {
		return fmt.Errorf("未対応のプロパティ: %s", p)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%s に数値でない値は設定できません", p)
	}

	v := math.Max(r.min, math.Min(r.max, value))
	switch p {
	case PropWidth, PropHeight, PropFPS:
		v = math.Round(v)
	}
	d.settings[p] = v
	return nil
}

// Close は何もしない
func (d *syntheticDevice) Close() error {
	return nil
}

// drawGradient は上から下へ明るくなる青系のグラデーションを描く
func drawGradient(img *image.RGBA) {
	b := img.Bounds()
	h := b.Dy()
	for y := 0; y < h; y++ {
		v := uint8(y * 255 / h)
		c := color.RGBA{v, v / 2, v / 3, 255}
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			row[x], row[x+1], row[x+2], row[x+3] = c.R, c.G, c.B, c.A
		}
	}
}

func drawCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	b := img.Bounds()
	for y := max(cy-r, b.Min.Y); y <= min(cy+r, b.Max.Y-1); y++ {
		for x := max(cx-r, b.Min.X); x <= min(cx+r, b.Max.X-1); x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

func drawText(img *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// applyNoiseAndLevels はノイズを加え、明るさとコントラストを反映する
func (d *syntheticDevice) applyNoiseAndLevels(img *image.RGBA) {
	offset := d.settings[PropBrightness] - syntheticRanges[PropBrightness].def
	gain := d.settings[PropContrast] / syntheticRanges[PropContrast].def

	for i := 0; i < len(img.Pix); i += 4 {
		for j := 0; j < 3; j++ {
			v := float64(img.Pix[i+j]) + float64(d.rng.IntN(20))
			v = (v-128)*gain + 128 + offset
			img.Pix[i+j] = uint8(math.Max(0, math.Min(255, v)))
		}
	}
}
