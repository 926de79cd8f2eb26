package camera

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"camstream/internal/logging"
)

// Registry はデバイスIDから接続中のSessionへの対応を管理する
//
// 同じIDのデバイスハンドルは同時に1つしか開かれない。
// デバイスを開く・閉じる処理はレジストリのロックの外で行い、その間は
// busyにIDを予約しておく。予約中のIDへの接続は予約が外れるまで待つ。
type Registry struct {
	backend  Backend
	sessions map[DeviceID]*Session
	busy     map[DeviceID]chan struct{}
	mu       sync.RWMutex
}

// NewRegistry は空のRegistryを作成する
func NewRegistry(backend Backend) *Registry {
	return &Registry{
		backend:  backend,
		sessions: make(map[DeviceID]*Session),
		busy:     make(map[DeviceID]chan struct{}),
	}
}

// Backend はセッション作成に使うバックエンドを返す
func (r *Registry) Backend() Backend {
	return r.backend
}

// reserve はidを予約する
// 既に接続済みならfalseを返す。他の接続・切断が進行中なら終わるまで待つ
func (r *Registry) reserve(ctx context.Context, id DeviceID) (chan struct{}, bool, error) {
	for {
		r.mu.Lock()
		if _, exists := r.sessions[id]; exists {
			r.mu.Unlock()
			return nil, false, nil
		}
		wait, pending := r.busy[id]
		if !pending {
			ch := make(chan struct{})
			r.busy[id] = ch
			r.mu.Unlock()
			return ch, true, nil
		}
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// finish は予約を外し、成功していればセッションを登録する
func (r *Registry) finish(id DeviceID, ch chan struct{}, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session != nil {
		r.sessions[id] = session
	}
	delete(r.busy, id)
	close(ch)
}

// Connect はデバイスを開いて登録する
// 既に登録済みならStatusAlreadyConnectedを返し、何もしない
func (r *Registry) Connect(ctx context.Context, id DeviceID) (ConnectStatus, error) {
	ch, ok, err := r.reserve(ctx, id)
	if err != nil {
		return StatusConnectFailed, err
	}
	if !ok {
		return StatusAlreadyConnected, nil
	}

	session := NewSession(id, r.backend)
	if err := session.Open(ctx); err != nil {
		r.finish(id, ch, nil)
		logging.Warn("カメラの接続に失敗", "camera_id", int(id), "error", err)
		return StatusConnectFailed, err
	}

	r.finish(id, ch, session)
	logging.Info("カメラを接続しました", "camera_id", int(id), "backend", r.backend.Name())
	return StatusConnected, nil
}

// Disconnect は登録を外してからセッションを解放する
// 解放はセッションのロックを待つため、読み取り途中のデバイスが閉じられることはない。
// 解放が終わるまで同じIDへの接続は待たされる
func (r *Registry) Disconnect(id DeviceID) DisconnectStatus {
	r.mu.Lock()
	session, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		return StatusNotConnected
	}
	delete(r.sessions, id)
	ch := make(chan struct{})
	r.busy[id] = ch
	r.mu.Unlock()

	session.Release()
	r.finish(id, ch, nil)

	logging.Info("カメラを切断しました", "camera_id", int(id))
	return StatusDisconnected
}

// List は接続中のデバイスIDを昇順で返す
func (r *Registry) List() []DeviceID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]DeviceID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Get は指定IDのSessionを返す
// 返した参照は並行する切断でいつでも解放されうる
func (r *Registry) Get(id DeviceID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	return session, exists
}

// Holds はidに現在登録されているのがsその物かを返す
func (r *Registry) Holds(id DeviceID, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return s != nil && r.sessions[id] == s
}

// Len は接続中のセッション数を返す
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll は全セッションの登録を外し、並行して解放する
func (r *Registry) CloseAll() {
	r.mu.Lock()
	released := make(map[DeviceID]*Session, len(r.sessions))
	reserved := make(map[DeviceID]chan struct{}, len(r.sessions))
	for id, session := range r.sessions {
		released[id] = session
		reserved[id] = make(chan struct{})
		r.busy[id] = reserved[id]
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg conc.WaitGroup
	for _, session := range released {
		wg.Go(session.Release)
	}
	wg.Wait()

	for id, ch := range reserved {
		r.finish(id, ch, nil)
	}

	logging.Info("全カメラを切断しました", "count", len(released))
}
