package camera

import (
	"context"
	"image"
	"sort"
	"strconv"
)

// DeviceID はキャプチャデバイスを表す非負の整数
// OSセッション中は安定しているが、再起動やホットプラグをまたいだ保証はない
type DeviceID int

// String はIDを10進文字列で返す
func (id DeviceID) String() string {
	return strconv.Itoa(int(id))
}

// ParseDeviceID は文字列からDeviceIDを解釈する
func ParseDeviceID(s string) (DeviceID, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return DeviceID(n), true
}

// Property はデバイスの数値プロパティ
type Property int

const (
	PropBrightness Property = iota
	PropContrast
	PropSaturation
	PropHue
	PropExposure
	PropGain
	PropWidth
	PropHeight
	PropFPS
)

// Properties は設定マップに含まれる全プロパティ（固定順）
var Properties = []Property{
	PropBrightness,
	PropContrast,
	PropSaturation,
	PropHue,
	PropExposure,
	PropGain,
	PropWidth,
	PropHeight,
	PropFPS,
}

var propertyNames = map[Property]string{
	PropBrightness: "brightness",
	PropContrast:   "contrast",
	PropSaturation: "saturation",
	PropHue:        "hue",
	PropExposure:   "exposure",
	PropGain:       "gain",
	PropWidth:      "width",
	PropHeight:     "height",
	PropFPS:        "fps",
}

// String は設定名を返す
func (p Property) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return "property(" + strconv.Itoa(int(p)) + ")"
}

// ParseProperty は設定名からPropertyを引く
func ParseProperty(name string) (Property, bool) {
	for p, n := range propertyNames {
		if n == name {
			return p, true
		}
	}
	return 0, false
}

// Settings は設定名から値へのマップ
// キャッシュではなく、取得のたびにデバイスから読み出した値
type Settings map[string]float64

// Device は開いているキャプチャデバイスのハンドル
//
// 実装はスレッドセーフである必要はない。同一ハンドルへの呼び出しは
// Sessionが直列化する。
type Device interface {
	// Read は新しいフレームを1枚読み取る
	// 返した画像は呼び出し側の所有となり、以降デバイスが書き換えてはならない
	Read() (image.Image, error)

	// Get はプロパティの現在値を返す。未対応なら0
	Get(p Property) float64

	// Set はプロパティを書き込む。値域の判断はドライバーに任せる
	Set(p Property, value float64) error

	// Close はハンドルを解放する
	Close() error
}

// Backend はデバイスIDからDeviceを開く
type Backend interface {
	// Name はバックエンド名を返す
	Name() string

	// Open はデバイスを開く。失敗は常にerrorで返す
	Open(ctx context.Context, id DeviceID) (Device, error)
}

// NodeBackend は安定したパスにデバイスノードを持つバックエンド
type NodeBackend interface {
	Backend

	// DevicePath はIDに対応するデバイスノードのパスを返す
	DevicePath(id DeviceID) string
}

// ConnectStatus は接続操作の結果
type ConnectStatus string

const (
	StatusConnected        ConnectStatus = "success"
	StatusAlreadyConnected ConnectStatus = "already_connected"
	StatusConnectFailed    ConnectStatus = "error"
)

// DisconnectStatus は切断操作の結果
type DisconnectStatus string

const (
	StatusDisconnected DisconnectStatus = "success"
	StatusNotConnected DisconnectStatus = "not_connected"
)

func sortIDs(ids []DeviceID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
