package logger

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level string    // "debug","info","warn","error"
	JSON  bool      // JSON output (containers, log shippers)
	Out   io.Writer // default os.Stderr
}

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Configure replaces the process-wide logger.
func Configure(opts Options) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.CallerKey = ""

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(out), ParseLevel(opts.Level))

	mu.Lock()
	base = zap.New(core)
	mu.Unlock()
}

// UseTestMode silences logs during tests.
func UseTestMode() {
	Configure(Options{Level: "error", Out: io.Discard})
}

// L returns the current logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a child of the current logger.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered entries; errors from syncing a terminal are ignored.
func Sync() {
	_ = L().Sync()
}

func ParseLevel(s string) zapcore.Level {
	switch s {
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
