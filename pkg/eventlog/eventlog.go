// Package eventlog builds the shared logger of the injected module: every
// entry goes to an append-only file and, when configured, to a console.
package eventlog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TimeLayout prefixes every line, e.g. "[14:03:07.215]".
const TimeLayout = "[15:04:05.000]"

type Options struct {
	// Path of the log file. Missing parent directories are created.
	Path string
	// Console receives a copy of every entry. Nil disables it.
	Console io.Writer
	Level   zapcore.Level
}

// Sink is a zap.Logger bound to its log file. Components take
// sink.Named("...") instead of keeping a reference to the sink itself.
type Sink struct {
	*zap.Logger
	file *os.File
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		StacktraceKey:    "stack",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout(TimeLayout),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}
}

// Open creates the sink. The file is opened for append so earlier sessions
// are kept.
func Open(opts Options) (*Sink, error) {
	if opts.Path == "" {
		return nil, errors.New("eventlog: empty log path")
	}
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "eventlog: create log directory")
		}
	}
	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "eventlog: open %s", opts.Path)
	}

	level := zap.NewAtomicLevelAt(opts.Level)
	enc := zapcore.NewConsoleEncoder(encoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(f), level),
	}
	if opts.Console != nil {
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.Lock(zapcore.AddSync(opts.Console)), level))
	}

	return &Sink{
		Logger: zap.New(zapcore.NewTee(cores...)),
		file:   f,
	}, nil
}

// Close flushes and closes the log file. Console sync errors are ignored.
func (s *Sink) Close() error {
	_ = s.Logger.Sync()
	return multierr.Combine(s.file.Sync(), s.file.Close())
}
