package camera

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/afero"

	"camstream/internal/logging"
)

// ProbePolicy はデバイス検出の方式
type ProbePolicy string

const (
	// ProbeAuto はホストに応じて方式を選ぶ
	ProbeAuto ProbePolicy = "auto"

	// ProbeNodeGated はデバイスノードが存在するIDだけを開いてみる
	ProbeNodeGated ProbePolicy = "node"

	// ProbeFailureHeuristic は全IDを開いてみて、連続失敗で打ち切る
	ProbeFailureHeuristic ProbePolicy = "failure"
)

// DefaultMaxConsecutiveFailures は打ち切りまでの連続失敗回数
const DefaultMaxConsecutiveFailures = 3

// ParseProbePolicy は文字列から検出方式を引く
func ParseProbePolicy(s string) (ProbePolicy, error) {
	switch p := ProbePolicy(s); p {
	case ProbeAuto, ProbeNodeGated, ProbeFailureHeuristic:
		return p, nil
	case "":
		return ProbeAuto, nil
	default:
		return "", fmt.Errorf("不明な検出方式: %q", s)
	}
}

// Enumerator はホスト上の利用可能なキャプチャデバイスを検出する
//
// Detectは呼ぶたびにハードウェアを走査し直す。結果はキャッシュしない。
type Enumerator struct {
	backend     Backend
	fs          afero.Fs
	policy      ProbePolicy
	maxFailures int
	goos        string
}

// EnumeratorOption はEnumeratorの設定を変更する
type EnumeratorOption func(*Enumerator)

// WithFs はデバイスノードの存在確認に使うファイルシステムを設定する
func WithFs(fs afero.Fs) EnumeratorOption {
	return func(e *Enumerator) {
		if fs != nil {
			e.fs = fs
		}
	}
}

// WithPolicy は検出方式を設定する
func WithPolicy(p ProbePolicy) EnumeratorOption {
	return func(e *Enumerator) {
		if p != "" {
			e.policy = p
		}
	}
}

// WithMaxConsecutiveFailures は打ち切りまでの連続失敗回数を設定する
func WithMaxConsecutiveFailures(n int) EnumeratorOption {
	return func(e *Enumerator) {
		if n > 0 {
			e.maxFailures = n
		}
	}
}

// withGOOS はテスト用にOS判定を差し替える
func withGOOS(goos string) EnumeratorOption {
	return func(e *Enumerator) {
		e.goos = goos
	}
}

// NewEnumerator は新しいEnumeratorを作成する
func NewEnumerator(backend Backend, opts ...EnumeratorOption) *Enumerator {
	e := &Enumerator{
		backend:     backend,
		fs:          afero.NewOsFs(),
		policy:      ProbeAuto,
		maxFailures: DefaultMaxConsecutiveFailures,
		goos:        runtime.GOOS,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy は実際に使われる検出方式を返す
// ProbeAutoはLinuxかつデバイスノードを持つバックエンドならノード方式になる
func (e *Enumerator) Policy() ProbePolicy {
	_, hasNodes := e.backend.(NodeBackend)

	switch e.policy {
	case ProbeNodeGated:
		if hasNodes {
			return ProbeNodeGated
		}
		return ProbeFailureHeuristic
	case ProbeFailureHeuristic:
		return ProbeFailureHeuristic
	default:
		if e.goos == "linux" && hasNodes {
			return ProbeNodeGated
		}
		return ProbeFailureHeuristic
	}
}

// Detect は 0..maxProbe-1 のIDを順に試し、開けたIDを昇順で返す
// 個々のデバイスを開く際のエラーは走査を止めない
func (e *Enumerator) Detect(ctx context.Context, maxProbe int) []DeviceID {
	available := make([]DeviceID, 0)
	policy := e.Policy()
	failures := 0

	for i := 0; i < maxProbe; i++ {
		// コンテキストのキャンセルをチェック
		select {
		case <-ctx.Done():
			return available
		default:
		}

		id := DeviceID(i)

		if policy == ProbeNodeGated && !e.nodeExists(id) {
			continue
		}

		if e.probe(ctx, id) {
			available = append(available, id)
			failures = 0
			continue
		}

		if policy == ProbeFailureHeuristic {
			failures++
			if failures >= e.maxFailures {
				logging.Debug("連続して開けなかったため検出を打ち切ります", "last_id", i, "failures", failures)
				break
			}
		}
	}

	return available
}

// nodeExists はデバイスノードの存在を確認する
func (e *Enumerator) nodeExists(id DeviceID) bool {
	nb, ok := e.backend.(NodeBackend)
	if !ok {
		return true
	}

	exists, err := afero.Exists(e.fs, nb.DevicePath(id))
	return err == nil && exists
}

// probe はデバイスを開いてすぐ閉じる。フレームは読まない
func (e *Enumerator) probe(ctx context.Context, id DeviceID) bool {
	dev, err := e.backend.Open(ctx, id)
	if err != nil {
		logging.Debug("デバイスを開けません", "camera_id", int(id), "error", err)
		return false
	}

	if err := dev.Close(); err != nil {
		logging.Debug("検出時のデバイス解放でエラー", "camera_id", int(id), "error", err)
	}
	return true
}
