// Package server は、カメラ操作と映像配信のHTTP APIを提供します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// リクエストの検証、MJPEGとWebSocketによる配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラの接続・切断・設定変更のJSON API
//   - multipart/x-mixed-replaceによるMJPEG配信
//   - WebSocketによるフレーム単位のJPEG配信
//   - 埋め込んだOpenAPI定義によるリクエスト検証
//
// 仕様:
//   - ルーティングはgin、検証はkin-openapiを使用
//   - WebSocketはgorilla/websocketを使用
//   - シャットダウン時は先に全カメラを切断して配信を終わらせる
//   - 配信はカメラが切断されるかクライアントが去るまで続く
package server
