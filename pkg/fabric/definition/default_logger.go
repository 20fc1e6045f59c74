package definition

import (
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// colorFormatter is a logrus.Formatter that colorizes each entry's message
// text according to its level, the way many CLI-adjacent loggers in the
// ecosystem do, without pulling in a full CLI framework.
type colorFormatter struct {
	inner *logrus.TextFormatter
}

var levelColor = map[logrus.Level]*color.Color{
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
}

func (f *colorFormatter) Format(e *logrus.Entry) ([]byte, error) {
	if c, ok := levelColor[e.Level]; ok {
		e.Message = c.Sprint(e.Message)
	}
	return f.inner.Format(e)
}

// DefaultLogger is the logger used if the host program does not provide its
// own implementation of types.Logger. Backed by logrus at info level;
// ToggleDebug switches between info and debug level. DefaultLogger never
// turns on logrus call-site reporting.
type DefaultLogger struct {
	*logrus.Logger
	debug bool
}

// NewDefaultLogger builds a DefaultLogger writing to stderr.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&colorFormatter{inner: &logrus.TextFormatter{FullTimestamp: true}})
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{Logger: l, debug: false}
}

func (l *DefaultLogger) Info(v ...interface{})  { l.Logger.Info(v...) }
func (l *DefaultLogger) Infof(f string, v ...interface{}) { l.Logger.Infof(f, v...) }
func (l *DefaultLogger) Warn(v ...interface{})  { l.Logger.Warn(v...) }
func (l *DefaultLogger) Warnf(f string, v ...interface{}) { l.Logger.Warnf(f, v...) }
func (l *DefaultLogger) Error(v ...interface{}) { l.Logger.Error(v...) }
func (l *DefaultLogger) Errorf(f string, v ...interface{}) { l.Logger.Errorf(f, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.Logger.Debug(v...)
	}
}

func (l *DefaultLogger) Debugf(f string, v ...interface{}) {
	if l.debug {
		l.Logger.Debugf(f, v...)
	}
}

// ToggleDebug flips trace-level logging (used for the "dropped silently,
// logged at trace level" wire errors, spec.md §7) and returns the new state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.Logger.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}

func (l *DefaultLogger) Fatal(v ...interface{})            { l.Logger.Fatal(v...) }
func (l *DefaultLogger) Fatalf(f string, v ...interface{}) { l.Logger.Fatalf(f, v...) }
