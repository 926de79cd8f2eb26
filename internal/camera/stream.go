package camera

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"camstream/internal/logging"
)

const (
	// DefaultFrameInterval はフレーム間の待ち時間（約30fps）
	DefaultFrameInterval = 33 * time.Millisecond

	// DefaultBoundary はmultipartの境界文字列
	DefaultBoundary = "frame"
)

// ContentType はmultipartストリームのContent-Typeを返す
func ContentType(boundary string) string {
	return "multipart/x-mixed-replace; boundary=" + boundary
}

// Stream は1クライアント分のMJPEG配信ループ
//
// Nextを呼ぶたびにセッションから最新フレームを取り出し、エンコードして
// multipartの1パートとして返す。遅延評価・無限・再開不可の列で、
// デバイスがレジストリから外れると ErrStreamEnded を返して終わる。
// Streamはゴルーチン間で共有しない。
type Stream struct {
	registry *Registry
	session  *Session
	id       DeviceID
	clientID string

	encoder  Encoder
	interval time.Duration
	boundary string
	logger   *slog.Logger

	started bool
	ended   bool
	parts   int
}

// StreamOption はStreamの設定を変更する
type StreamOption func(*Stream)

// WithInterval はフレーム間隔を設定する
func WithInterval(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithEncoder はエンコーダーを差し替える
func WithEncoder(e Encoder) StreamOption {
	return func(s *Stream) {
		if e != nil {
			s.encoder = e
		}
	}
}

// WithBoundary はmultipartの境界文字列を設定する
func WithBoundary(b string) StreamOption {
	return func(s *Stream) {
		if b != "" {
			s.boundary = b
		}
	}
}

// NewStream は接続中のデバイスに対するStreamを作成する
func NewStream(registry *Registry, id DeviceID, opts ...StreamOption) (*Stream, error) {
	session, ok := registry.Get(id)
	if !ok {
		return nil, ErrNotConnected
	}

	s := &Stream{
		registry: registry,
		session:  session,
		id:       id,
		clientID: uuid.New().String(),
		encoder:  NewJPEGEncoder(DefaultJPEGQuality),
		interval: DefaultFrameInterval,
		boundary: DefaultBoundary,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.With("camera_id", int(id), "client_id", s.clientID)
	s.logger.Debug("ストリームを開始しました")

	return s, nil
}

// ClientID はストリームごとの識別子を返す
func (s *Stream) ClientID() string {
	return s.clientID
}

// ContentType はこのストリームのContent-Typeを返す
func (s *Stream) ContentType() string {
	return ContentType(s.boundary)
}

// Parts はこれまでに返したフレーム数を返す
func (s *Stream) Parts() int {
	return s.parts
}

// Next は次のmultipartパートを返す
// パートは "--frame\r\nContent-Type: image/jpeg\r\n\r\n" + JPEG + "\r\n"
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	data, err := s.NextJPEG(ctx)
	if err != nil {
		return nil, err
	}
	return s.frame(data), nil
}

// NextJPEG は次のフレームをJPEGのまま返す
// フレームが取れない回やエンコードに失敗した回は黙って飛ばす
func (s *Stream) NextJPEG(ctx context.Context) ([]byte, error) {
	for {
		if s.ended {
			return nil, ErrStreamEnded
		}

		// 2回目以降はロックを持たずに待つ
		if s.started {
			if err := s.wait(ctx); err != nil {
				return nil, err
			}
		}
		s.started = true

		if s.disconnected() {
			return nil, ErrStreamEnded
		}

		img, ok := s.session.AcquireFrame()
		if !ok {
			continue
		}

		data, err := s.encoder.Encode(img)
		if err != nil {
			s.logger.Debug("フレームのエンコードに失敗", "error", err)
			continue
		}

		// 読み取り中に切断されたフレームは返さない
		if s.disconnected() {
			return nil, ErrStreamEnded
		}

		s.parts++
		return data, nil
	}
}

// disconnected はセッションが登録から外れていればストリームを終了状態にする
func (s *Stream) disconnected() bool {
	if s.registry.Holds(s.id, s.session) {
		return false
	}
	s.ended = true
	s.logger.Debug("デバイスが切断されたためストリームを終了します", "parts", s.parts)
	return true
}

// frame はJPEGをmultipartの1パートに包む
func (s *Stream) frame(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) + len(s.boundary) + 48)
	buf.WriteString("--")
	buf.WriteString(s.boundary)
	buf.WriteString("\r\nContent-Type: image/jpeg\r\n\r\n")
	buf.Write(data)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func (s *Stream) wait(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
