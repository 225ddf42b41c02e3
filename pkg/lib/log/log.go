// Package log 提供 rendezvous 统一日志接口
//
// 基于 Go 标准库 log/slog 封装，提供按组件命名的懒加载 logger。
//
// 支持通过环境变量配置：
//   - RENDEZVOUS_LOG_LEVEL: debug / info / warn / error（默认 info）
//   - RENDEZVOUS_LOG_FORMAT: text 或 json（默认 text）
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// 日志级别常量（从 slog 导出，方便使用）
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
	level            = new(slog.LevelVar)
	asJSON bool
)

// SetDefault 设置默认 logger
func SetDefault(l *slog.Logger) {
	slog.SetDefault(l)
}

// Default 返回默认 logger
func Default() *slog.Logger {
	return slog.Default()
}

// SetOutput 设置日志输出目标
//
// 重新创建默认 logger，保留当前级别与格式。
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
	rebuild()
}

// SetLevel 设置日志级别
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetFormat 设置输出格式（json=true 为 JSON，否则为文本）
func SetFormat(json bool) {
	mu.Lock()
	asJSON = json
	mu.Unlock()
	rebuild()
}

// ParseLevel 解析日志级别名称
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// rebuild 按当前设置重建默认 handler
func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	}

	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	slog.SetDefault(slog.New(h))
}

// ============================================================================
//                              LazyLogger
// ============================================================================

// LazyLogger 懒加载 logger
//
// 每次日志调用时都从 slog.Default() 获取最新的 handler，
// 支持在运行时动态切换日志输出目标。
//
// 使用方式：
//
//	var logger = log.Logger("core/table")
//	logger.Info("hello")
type LazyLogger struct {
	component string
}

// Logger 返回带组件名的 LazyLogger
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

func (l *LazyLogger) base() *slog.Logger {
	return slog.Default().With("component", l.component)
}

// Debug 输出 Debug 级别日志
func (l *LazyLogger) Debug(msg string, args ...any) {
	l.base().Debug(msg, args...)
}

// Info 输出 Info 级别日志
func (l *LazyLogger) Info(msg string, args ...any) {
	l.base().Info(msg, args...)
}

// Warn 输出 Warn 级别日志
func (l *LazyLogger) Warn(msg string, args ...any) {
	l.base().Warn(msg, args...)
}

// Error 输出 Error 级别日志
func (l *LazyLogger) Error(msg string, args ...any) {
	l.base().Error(msg, args...)
}

// DebugContext 带 context 的 Debug 日志
func (l *LazyLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.base().DebugContext(ctx, msg, args...)
}

// WarnContext 带 context 的 Warn 日志
func (l *LazyLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.base().WarnContext(ctx, msg, args...)
}

// Enabled 判断级别是否启用，用于跳过昂贵的参数构造
func (l *LazyLogger) Enabled(lvl slog.Level) bool {
	return slog.Default().Enabled(context.Background(), lvl)
}

// With 添加额外的属性
func (l *LazyLogger) With(args ...any) *slog.Logger {
	return l.base().With(args...)
}

// ============================================================================
//                              初始化
// ============================================================================

func init() {
	level.Set(slog.LevelInfo)
	if s := os.Getenv("RENDEZVOUS_LOG_LEVEL"); s != "" {
		if l, ok := ParseLevel(s); ok {
			level.Set(l)
		}
	}
	asJSON = strings.EqualFold(os.Getenv("RENDEZVOUS_LOG_FORMAT"), "json")
	rebuild()
}
