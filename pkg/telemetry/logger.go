package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps the zerolog root logger and hands out tagged children.
// Components that want the raw logger call Zerolog().
type Logger struct {
	zlog zerolog.Logger
	cfg  LoggingConfig
}

type loggerContextKey struct{}

// NewLogger builds the root logger from the logging config.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		// Anything else is a file path.
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: consoleTimeFormat(cfg.TimeFormat),
		}
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	zlog := zerolog.New(writer).With().Timestamp().Logger().Level(parseLogLevel(cfg.Level))
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}
	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, cfg: cfg}, nil
}

// Zerolog exposes the wrapped zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// NewComponentLogger returns a child tagged with the component name.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("component", component).Logger(),
		cfg:  l.cfg,
	}
}

// WithContext stores the logger in the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context, falling back to a
// plain stdout logger when none was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stdout).With().Timestamp().Logger()}
}

// WithField returns a child logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		zlog: l.zlog.With().Interface(key, value).Logger(),
		cfg:  l.cfg,
	}
}

// WithFields returns a child logger with several extra fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	lc := l.zlog.With()
	for k, v := range fields {
		lc = lc.Interface(k, v)
	}
	return &Logger{zlog: lc.Logger(), cfg: l.cfg}
}

// WithActionID tags the logger with the action being executed.
func (l *Logger) WithActionID(actionID string) *Logger {
	return l.WithField("action_id", actionID)
}

// WithClusterID tags the logger with the cluster under operation.
func (l *Logger) WithClusterID(clusterID string) *Logger {
	return l.WithField("cluster_id", clusterID)
}

// WithWorker tags the logger with the dispatcher worker id.
func (l *Logger) WithWorker(worker string) *Logger {
	return l.WithField("worker", worker)
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func consoleTimeFormat(format string) string {
	if format == "unix" {
		return zerolog.TimeFormatUnix
	}
	return time.RFC3339
}
