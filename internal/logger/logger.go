package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	Field  = zap.Field
	Logger = zap.Logger
)

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Bool     = zap.Bool
	Time     = zap.Time
	Duration = zap.Duration
	Any      = zap.Any
)

// Config controls how the process logger is built.
type Config struct {
	Name  string
	Level string
	Debug bool
}

var defaultLogger = zap.NewNop()

// New builds a zap logger writing to stdout. Debug switches to the console encoder.
func New(c Config) (*Logger, error) {
	lv := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if c.Level != "" {
		if err := lv.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, err
		}
	}
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	if c.Debug {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lv)
	l := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.DPanicLevel))
	if c.Name != "" {
		l = l.Named(c.Name)
	}
	return l, nil
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Local().Format("2006-01-02 15:04:05.000"))
}

// Default returns the process logger, a no-op logger until SetDefault is called.
func Default() *Logger {
	return defaultLogger
}

func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Named returns a child of the process logger.
func Named(s string) *Logger {
	return defaultLogger.Named(s)
}

// OrDefault lets components accept an optional logger in their Options.
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return defaultLogger
	}
	return l
}

func FieldErr(err error) Field {
	return zap.Error(err)
}

func FieldUser(userID string) Field {
	return String("user_id", userID)
}

func FieldToken(token string) Field {
	return String("token", token)
}

func FieldTx(hash string) Field {
	return String("tx_hash", hash)
}

func Sync() {
	_ = defaultLogger.Sync()
}
