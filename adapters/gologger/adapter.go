// Package gologger bridges payments logging into go-job workers.
package gologger

import (
	"context"
	"fmt"
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-payments/core"
)

// JanitorLoggerName names the logger handed to janitor workers.
const JanitorLoggerName = "payments.janitor"

// ResolveForJob resolves a logger with precedence provider > logger > nop and
// returns it with go-job bridges. Bridged loggers drop key/value pairs that
// are not on the payments allow-list.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := glog.Resolve(name, provider, logger)
	safe := Redacting(glog.Ensure(resolvedLogger))
	var jobProvider job.LoggerProvider
	if resolvedProvider != nil {
		jobProvider = job.GoLoggerProvider(redactingProvider{provider: resolvedProvider})
	}
	return safe, jobProvider, job.GoLogger(safe)
}

// Redacting wraps logger so variadic key/value args pass through core.SafeFields.
func Redacting(logger glog.Logger) glog.Logger {
	if logger == nil {
		return nil
	}
	if already, ok := logger.(redactingLogger); ok {
		return already
	}
	return redactingLogger{next: logger}
}

type redactingProvider struct {
	provider glog.LoggerProvider
}

func (p redactingProvider) GetLogger(name string) glog.Logger {
	return Redacting(glog.Ensure(p.provider.GetLogger(name)))
}

type redactingLogger struct {
	next glog.Logger
}

func (l redactingLogger) Trace(msg string, args ...any) { l.next.Trace(msg, safeArgs(args)...) }
func (l redactingLogger) Debug(msg string, args ...any) { l.next.Debug(msg, safeArgs(args)...) }
func (l redactingLogger) Info(msg string, args ...any)  { l.next.Info(msg, safeArgs(args)...) }
func (l redactingLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, safeArgs(args)...) }
func (l redactingLogger) Error(msg string, args ...any) { l.next.Error(msg, safeArgs(args)...) }
func (l redactingLogger) Fatal(msg string, args ...any) { l.next.Fatal(msg, safeArgs(args)...) }

func (l redactingLogger) WithContext(ctx context.Context) glog.Logger {
	return redactingLogger{next: l.next.WithContext(ctx)}
}

// safeArgs keeps allow-listed pairs in order and masks sensitive ones. A
// trailing key without a value is dropped.
func safeArgs(args []any) []any {
	if len(args) == 0 {
		return args
	}
	out := make([]any, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		key := strings.ToLower(strings.TrimSpace(fmt.Sprint(args[i])))
		safe := core.SafeFields(map[string]any{key: args[i+1]})
		if value, ok := safe[key]; ok {
			out = append(out, key, value)
		}
	}
	return out
}

var (
	_ glog.Logger         = redactingLogger{}
	_ glog.LoggerProvider = redactingProvider{}
)
