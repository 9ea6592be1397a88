package log

import (
	"io"
	"log/slog"
	"os"

	runtime "github.com/banzaicloud/logrus-runtime-formatter"
	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelVar = &slog.LevelVar{}

// InitLogger will initialize the default logger instance.
func InitLogger() {
	InitLoggerWithWriter(os.Stderr)
}

// InitLoggerWithWriter initializes the default JSON logger writing to w.
func InitLoggerWithWriter(w io.Writer) {
	levelVar.Set(slog.LevelInfo)

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar, AddSource: true}))

	slog.SetDefault(logger)
}

// SetLevel will set the logging level of the default logger at runtime.
func SetLevel(loglevel string) {
	switch Level(loglevel) {
	case LevelDebug, LevelTrace:
		levelVar.Set(slog.LevelDebug)
	case LevelInfo, "":
		levelVar.Set(slog.LevelInfo)
	case LevelWarn:
		levelVar.Set(slog.LevelWarn)
	case LevelError:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
		slog.Warn("Unknown log level, defaulting to info", "loglevel", loglevel)
	}
}

// NewLogrusLogger will generate a new logrus logger instance for store components.
func NewLogrusLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()

	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrusLevel(logLevel))

	if logger.Level == logrus.InfoLevel && logLevel != "" && Level(logLevel) != LevelInfo {
		logger.WithField("logLevel", logLevel).Warn("Unknown log level, defaulting to info")
	}

	runtimeFormatter := &runtime.Formatter{
		ChildFormatter: &logrus.JSONFormatter{},
		File:           true,
		Line:           true,
		BaseNameOnly:   true,
	}

	logger.SetFormatter(runtimeFormatter)

	return logger
}

// NewComponentLogger returns a logrus entry tagged with the component name.
func NewComponentLogger(logLevel, component string) *logrus.Entry {
	return NewLogrusLogger(logLevel).WithField("component", component)
}

func logrusLevel(logLevel string) logrus.Level {
	switch Level(logLevel) {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelTrace:
		return logrus.TraceLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
