package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures the process logger.
type LogOptions struct {
	Level  string // logrus level name; empty means "info"
	Format string // "text" or "json"
	File   string // rotated log file; empty logs to stderr only

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

const timestampFormat = "2006-01-02 15:04:05.000"

// NewLogger builds a logrus logger from opts. When a file is configured the
// output is tee'd to stderr and a lumberjack rotating writer; the returned
// closer releases the file and is never nil.
func NewLogger(opts LogOptions) (*logrus.Logger, io.Closer, error) {
	levelName := opts.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	l := logrus.New()
	l.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: timestampFormat, FullTimestamp: true})
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	if opts.File == "" {
		l.SetOutput(os.Stderr)
		return l, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rot := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		LocalTime:  true,
	}
	l.SetOutput(io.MultiWriter(os.Stderr, rot))
	return l, rot, nil
}

// Install routes Logf and Debugf through l.
func Install(l *logrus.Logger) {
	SetLogger(l.Infof)
	if l.IsLevelEnabled(logrus.DebugLevel) {
		SetDebugLogger(l.Debugf)
	} else {
		SetDebugLogger(nil)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
