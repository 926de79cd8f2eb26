package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"time"

	"github.com/sourcegraph/conc"
)

const (
	// maxJPEGFrameSize は1フレームとして受け付ける最大サイズ
	maxJPEGFrameSize = 16 * 1024 * 1024

	// DefaultReadTimeout は1フレーム待ちの上限
	DefaultReadTimeout = 2 * time.Second
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG はバイトストリームをJPEGフレーム単位に分割するbufio.SplitFunc
// SOI(FF D8)より前のデータは捨て、EOI(FF D9)までを1トークンとする
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// 末尾の0xFFはマーカーの前半かもしれないので残す
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			// 不完全なフレームは破棄
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}

// ffmpegPipe はffmpegをimage2pipeで起動し、MJPEGフレームを読み続ける
//
// 常に最新の1フレームだけを保持し、読み手が遅ければ古いフレームは捨てる。
// プロセスは最初のreadで起動し、stopで終了する。
type ffmpegPipe struct {
	path    string
	args    func() []string
	timeout time.Duration
	logger  *slog.Logger

	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}
}

func newFFmpegPipe(path string, timeout time.Duration, logger *slog.Logger, args func() []string) *ffmpegPipe {
	if path == "" {
		path = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &ffmpegPipe{
		path:    path,
		args:    args,
		timeout: timeout,
		logger:  logger,
	}
}

func (p *ffmpegPipe) running() bool {
	return p.cancel != nil
}

// start はffmpegを起動する
func (p *ffmpegPipe) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, p.path, p.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	frames := make(chan []byte, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)

		var wg conc.WaitGroup
		wg.Go(func() { p.drainStderr(stderr) })
		wg.Go(func() { p.readFrames(stdout, frames) })
		wg.Wait()

		// 読み取りがすべて終わってからWaitする
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			p.logger.Debug("ffmpegが終了しました", "error", err)
		}
	}()

	p.cancel = cancel
	p.frames = frames
	p.done = done
	p.logger.Debug("ffmpegを起動しました", "args", p.args())
	return nil
}

func (p *ffmpegPipe) readFrames(r io.Reader, frames chan []byte) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), maxJPEGFrameSize)
	scanner.Split(splitJPEG)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())

		// 古いフレームを捨てて最新だけ残す（送信側はこのゴルーチンのみ）
		select {
		case <-frames:
		default:
		}
		frames <- frame
	}

	if err := scanner.Err(); err != nil {
		p.logger.Debug("フレーム読み取りエラー", "error", err)
	}
}

func (p *ffmpegPipe) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("ffmpeg", "stderr", scanner.Text())
	}
}

// read は次のフレームをデコードして返す
// 返す画像は毎回新しく確保されたもの
func (p *ffmpegPipe) read() (image.Image, error) {
	if !p.running() {
		if err := p.start(); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case data := <-p.frames:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
		}
		return img, nil
	case <-p.done:
		// 次のreadで再起動する
		p.stop()
		return nil, fmt.Errorf("%w: ffmpegが終了しました", ErrNoFrame)
	case <-timer.C:
		return nil, fmt.Errorf("%w: %v以内にフレームが届きません", ErrNoFrame, p.timeout)
	}
}

// stop はffmpegを終了させ、読み取りゴルーチンの終了を待つ
func (p *ffmpegPipe) stop() {
	if !p.running() {
		return
	}

	p.cancel()
	<-p.done

	p.cancel = nil
	p.frames = nil
	p.done = nil
	p.logger.Debug("ffmpegを停止しました")
}

// reconfigure はapplyでキャプチャ設定を変えてffmpegを起動し直し、
// フレームが届くことを確かめる。届かなければrollbackで元の設定に戻す
func (p *ffmpegPipe) reconfigure(apply, rollback func()) error {
	p.stop()
	apply()

	if _, err := p.read(); err != nil {
		p.stop()
		rollback()
		return fmt.Errorf("新しい設定でフレームを取得できません: %w", err)
	}
	return nil
}

// isNotFound はコマンドが見つからないエラーかを返す
func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
