package camera

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"camstream/internal/logging"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("jpeg.Encode failed: %v", err)
	}
	return buf.Bytes()
}

// oneByteReader は1バイトずつ返してマーカーの分断を再現する
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func scanFrames(r io.Reader) ([][]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024), maxJPEGFrameSize)
	scanner.Split(splitJPEG)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	return frames, scanner.Err()
}

func TestSplitJPEG(t *testing.T) {
	a := encodeTestJPEG(t, 8, 8)
	b := encodeTestJPEG(t, 16, 16)

	var stream bytes.Buffer
	stream.WriteString("garbage")
	stream.Write(a)
	stream.Write([]byte{0x00, 0xFF})
	stream.Write(b)
	stream.Write(jpegSOI) // 途中で切れたフレーム

	tests := []struct {
		name   string
		reader io.Reader
	}{
		{"まとめて読む", bytes.NewReader(stream.Bytes())},
		{"1バイトずつ読む", oneByteReader{bytes.NewReader(stream.Bytes())}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := scanFrames(tt.reader)
			if err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			if len(frames) != 2 {
				t.Fatalf("Expected 2 frames, got %d", len(frames))
			}
			if !bytes.Equal(frames[0], a) {
				t.Error("Expected first frame to match")
			}
			if !bytes.Equal(frames[1], b) {
				t.Error("Expected second frame to match")
			}

			for i, f := range frames {
				if _, err := jpeg.Decode(bytes.NewReader(f)); err != nil {
					t.Errorf("frame %d: decode failed: %v", i, err)
				}
			}
		})
	}
}

func TestSplitJPEG_NoMarkers(t *testing.T) {
	frames, err := scanFrames(bytes.NewReader([]byte("no jpeg here")))
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("Expected no frames, got %d", len(frames))
	}
}

func TestFFmpegPipe_StartFailure(t *testing.T) {
	pipe := newFFmpegPipe("/nonexistent/ffmpeg", 10*time.Millisecond, logging.L(), func() []string { return nil })

	if _, err := pipe.read(); err == nil {
		t.Error("Expected read to fail when ffmpeg cannot start")
	}
	if pipe.running() {
		t.Error("Expected pipe not to be running")
	}

	// 停止は何度呼んでもよい
	pipe.stop()
}

// writeScript は実行可能なシェルスクリプトをdirに作る
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("シェルスクリプトが必要")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("スクリプトの作成に失敗: %v", err)
	}
	return path
}

// fakeFFmpeg はJPEGを1枚出力して待機するffmpegの代わりを作る
// -video_size に幅123を渡されたときは非対応として終了する
func fakeFFmpeg(t *testing.T, dir string) string {
	t.Helper()

	frame := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(frame, encodeTestJPEG(t, 8, 8), 0o644); err != nil {
		t.Fatalf("フレームの作成に失敗: %v", err)
	}
	return writeScript(t, dir, "ffmpeg", fmt.Sprintf(`case "$*" in
  *"-video_size 123x"*) echo "Invalid video size" >&2; exit 1 ;;
esac
cat '%s'
exec sleep 5
`, frame))
}

func TestFFmpegPipe_Reconfigure(t *testing.T) {
	dir := t.TempDir()
	size := "640x480"
	pipe := newFFmpegPipe(fakeFFmpeg(t, dir), 2*time.Second, logging.L(), func() []string {
		return []string{"-video_size", size}
	})
	t.Cleanup(pipe.stop)

	if err := pipe.reconfigure(func() { size = "1280x720" }, func() { size = "640x480" }); err != nil {
		t.Fatalf("Expected supported size to be applied: %v", err)
	}
	if size != "1280x720" || !pipe.running() {
		t.Errorf("Expected pipe running with 1280x720, got %s (running=%v)", size, pipe.running())
	}

	// フレームが届かない設定は元に戻す
	if err := pipe.reconfigure(func() { size = "123x45" }, func() { size = "1280x720" }); err == nil {
		t.Error("Expected unsupported size to be rejected")
	}
	if size != "1280x720" {
		t.Errorf("Expected rollback to 1280x720, got %s", size)
	}
}
