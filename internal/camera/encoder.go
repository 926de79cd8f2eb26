package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// DefaultJPEGQuality はエンコード品質のデフォルト値
const DefaultJPEGQuality = 85

// Encoder はフレームを配信用のバイト列に変換する
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// JPEGEncoder は image/jpeg でエンコードする
type JPEGEncoder struct {
	Quality int
}

// NewJPEGEncoder は品質を指定してJPEGEncoderを作成する
// 範囲外の品質はデフォルト値になる
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGEncoder{Quality: quality}
}

// Encode は画像をJPEGにエンコードする
func (e *JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("エンコード対象の画像がnilです")
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("空の画像はエンコードできません: %v", b)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
