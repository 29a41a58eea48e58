package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-payments/adapters/gologger"
	"github.com/rs/zerolog"
)

// zerologLogger backs glog.Logger with zerolog. Args are key/value pairs.
type zerologLogger struct {
	log zerolog.Logger
}

func newLogger(out io.Writer, level string) glog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	base := zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		Level(parsed).
		With().
		Timestamp().
		Str("service", "paymentsd").
		Logger()
	return gologger.Redacting(zerologLogger{log: base})
}

func (l zerologLogger) Trace(msg string, args ...any) { l.emit(l.log.Trace(), msg, args) }
func (l zerologLogger) Debug(msg string, args ...any) { l.emit(l.log.Debug(), msg, args) }
func (l zerologLogger) Info(msg string, args ...any)  { l.emit(l.log.Info(), msg, args) }
func (l zerologLogger) Warn(msg string, args ...any)  { l.emit(l.log.Warn(), msg, args) }
func (l zerologLogger) Error(msg string, args ...any) { l.emit(l.log.Error(), msg, args) }
func (l zerologLogger) Fatal(msg string, args ...any) { l.emit(l.log.Fatal(), msg, args) }

func (l zerologLogger) WithContext(ctx context.Context) glog.Logger {
	return zerologLogger{log: l.log.With().Ctx(ctx).Logger()}
}

func (l zerologLogger) emit(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		event = event.Interface(fmt.Sprint(args[i]), args[i+1])
	}
	event.Msg(msg)
}

var _ glog.Logger = zerologLogger{}
