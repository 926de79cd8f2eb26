// Package camera キャプチャデバイスのセッション管理とMJPEG配信を担う
//
// # 責務
// - ホスト上のキャプチャデバイスの検出（Enumerator）
// - デバイスハンドルの排他制御とフレーム取得（Session）
// - デバイスIDと接続中セッションの対応管理（Registry）
// - 接続中デバイスからのmultipart JPEG列の生成（Stream）
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラをHTTP経由で配信したい
// - 配信中に明るさや解像度などを変更したい
// - 接続・切断を実行時に行いたい
//
// # 仕様
// - 同じIDのデバイスハンドルは同時に1つしか開かれない
// - 1つのデバイスへの操作はセッションのロックで直列化される
// - フレーム間の待機とJPEGエンコードはロックの外で行う
// - 切断されたデバイスのストリームは次のフレーム間隔で終了する
//
// # バックエンド
//   - v4l2: ffmpegとv4l2-ctlでLinuxのV4L2デバイスを扱う
//     Ubuntu/Debian: sudo apt install v4l-utils ffmpeg
//   - x11: ffmpegのx11grabで画面をキャプチャする
//   - opencv: gocv経由。-tags gocv でビルドする
//   - synthetic: テストパターンを生成する仮想カメラ
//
// # 前提要件
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
