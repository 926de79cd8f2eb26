// Package logging はslogをラップした構造化ログを提供する
//
// プロセス全体で1つのロガーを共有する。Initを呼ばずにLを使った場合は
// infoレベルのテキスト出力で初期化される。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger *slog.Logger
	mu     sync.RWMutex
)

// ParseLevel は文字列のログレベルをslog.Levelに変換する
// 不明な値はinfoとして扱う
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New は指定の出力先・レベル・形式でロガーを作成する
// formatは "json" または "text"
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init はグローバルロガーを初期化する
func Init(level, format string) {
	l := New(os.Stdout, level, format)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// L はグローバルロガーを返す
func L() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()

	if l == nil {
		Init("info", "text")
		return L()
	}
	return l
}

// Debug はdebugレベルで出力する
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info はinfoレベルで出力する
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn はwarnレベルで出力する
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error はerrorレベルで出力する
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With は属性付きのロガーを返す
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
