//go:build !gocv

package camera

import "fmt"

// NewOpenCVBackend は gocv タグなしのビルドでは常にエラーを返す
func NewOpenCVBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: opencv（-tags gocv でビルドしてください）", ErrUnsupportedBackend)
}
