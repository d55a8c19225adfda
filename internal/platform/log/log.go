package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置，来自 LOG_* 环境变量。
type Config struct {
	Level     string // debug | info | warn | error
	Format    string // text | json
	AddSource bool
	Service   string // 非空时作为 service 字段附加到每条日志
	Output    io.Writer
}

// 当前生效的 zap core，Sync 时刷新。
var active atomic.Pointer[zap.Logger]

// Init 构建 zap logger 并把 slog 默认 handler 桥接过去。
// 标准库 log 的输出也指向同一个 writer。
func Init(cfg Config) {
	level := parseLevel(cfg.Level)
	logger := newZapLogger(cfg, level)
	active.Store(logger)
	zap.ReplaceGlobals(logger)

	handler := slogzap.Option{
		Level:     slogLevel(level),
		Logger:    logger,
		AddSource: cfg.AddSource,
	}.NewZapHandler()
	slog.SetDefault(slog.New(handler))

	log.SetOutput(cfg.writer())
	log.SetFlags(0)
}

// Sync 刷新 zap 缓冲，进程退出前调用。
func Sync() error {
	if logger := active.Load(); logger != nil {
		return logger.Sync()
	}
	return zap.L().Sync()
}

// With 返回带固定字段的 slog logger，组件级日志都从这里取。
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

func Infof(format string, args ...any)  { slog.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { slog.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { slog.Error(fmt.Sprintf(format, args...)) }

// Fatalf 记录错误后退出进程，只在 main 启动阶段使用。
func Fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	_ = Sync()
	os.Exit(1)
}

func newZapLogger(cfg Config, level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(cfg.writer()), level)

	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if service := strings.TrimSpace(cfg.Service); service != "" {
		options = append(options, zap.Fields(zap.String("service", service)))
	}
	if cfg.AddSource {
		options = append(options, zap.AddCaller())
	}
	return zap.New(core, options...)
}

func (c Config) writer() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

// parseLevel 未识别的级别按 info 处理。
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func slogLevel(level zapcore.Level) slog.Level {
	switch level {
	case zapcore.DebugLevel:
		return slog.LevelDebug
	case zapcore.WarnLevel:
		return slog.LevelWarn
	case zapcore.ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
