package logs

import (
	"context"
	"fmt"
	"io"

	"github.com/cloudwego/hertz/pkg/common/hlog"
)

// hertzAdapter routes hertz internal logging through the engine's unified
// log pipeline by satisfying hlog.FullLogger.
type hertzAdapter struct {
	l Logger
}

var _ hlog.FullLogger = (*hertzAdapter)(nil)

// NewHertzLogger returns a hertz FullLogger backed by the given Logger.
func NewHertzLogger(l Logger) hlog.FullLogger {
	return &hertzAdapter{l: l}
}

func (a *hertzAdapter) Trace(v ...interface{})  { a.l.Debug(fmt.Sprint(v...)) }
func (a *hertzAdapter) Debug(v ...interface{})  { a.l.Debug(fmt.Sprint(v...)) }
func (a *hertzAdapter) Info(v ...interface{})   { a.l.Info(fmt.Sprint(v...)) }
func (a *hertzAdapter) Notice(v ...interface{}) { a.l.Info(fmt.Sprint(v...)) }
func (a *hertzAdapter) Warn(v ...interface{})   { a.l.Warn(fmt.Sprint(v...)) }
func (a *hertzAdapter) Error(v ...interface{})  { a.l.Error(fmt.Sprint(v...)) }
func (a *hertzAdapter) Fatal(v ...interface{})  { a.l.Fatal(fmt.Sprint(v...)) }

func (a *hertzAdapter) Tracef(format string, v ...interface{})  { a.l.Debug(format, v...) }
func (a *hertzAdapter) Debugf(format string, v ...interface{})  { a.l.Debug(format, v...) }
func (a *hertzAdapter) Infof(format string, v ...interface{})   { a.l.Info(format, v...) }
func (a *hertzAdapter) Noticef(format string, v ...interface{}) { a.l.Info(format, v...) }
func (a *hertzAdapter) Warnf(format string, v ...interface{})   { a.l.Warn(format, v...) }
func (a *hertzAdapter) Errorf(format string, v ...interface{})  { a.l.Error(format, v...) }
func (a *hertzAdapter) Fatalf(format string, v ...interface{})  { a.l.Fatal(format, v...) }

func (a *hertzAdapter) CtxTracef(ctx context.Context, format string, v ...interface{}) {
	a.l.CtxDebug(ctx, format, v...)
}
func (a *hertzAdapter) CtxDebugf(ctx context.Context, format string, v ...interface{}) {
	a.l.CtxDebug(ctx, format, v...)
}
func (a *hertzAdapter) CtxInfof(ctx context.Context, format string, v ...interface{}) {
	a.l.CtxInfo(ctx, format, v...)
}
func (a *hertzAdapter) CtxNoticef(ctx context.Context, format string, v ...interface{}) {
	a.l.CtxInfo(ctx, format, v...)
}
func (a *hertzAdapter) CtxWarnf(ctx context.Context, format string, v ...interface{}) {
	a.l.CtxWarn(ctx, format, v...)
}
func (a *hertzAdapter) CtxErrorf(ctx context.Context, format string, v ...interface{}) {
	a.l.CtxError(ctx, format, v...)
}
func (a *hertzAdapter) CtxFatalf(ctx context.Context, format string, v ...interface{}) {
	a.l.CtxFatal(ctx, format, v...)
}

func (a *hertzAdapter) SetLevel(level hlog.Level) {
	switch level {
	case hlog.LevelTrace, hlog.LevelDebug:
		a.l.SetLevel(DebugLevel)
	case hlog.LevelInfo, hlog.LevelNotice:
		a.l.SetLevel(InfoLevel)
	case hlog.LevelWarn:
		a.l.SetLevel(WarnLevel)
	case hlog.LevelError:
		a.l.SetLevel(ErrorLevel)
	case hlog.LevelFatal:
		a.l.SetLevel(FatalLevel)
	}
}

// SetOutput is a no-op; output is managed by the Logger's own configuration.
func (a *hertzAdapter) SetOutput(_ io.Writer) {}
