package core

import (
	"context"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

func ensureLogger(logger Logger) Logger {
	if logger == nil {
		return glog.Nop()
	}
	return logger
}

func logInfo(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "info", message, fields)
}

func logWarn(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "warn", message, fields)
}

func logError(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "error", message, fields)
}

// LogWithLevel writes an allow-listed structured log line.
func LogWithLevel(ctx context.Context, logger Logger, level string, message string, fields map[string]any) {
	logWithLevel(ctx, logger, level, message, fields)
}

func logWithLevel(ctx context.Context, logger Logger, level string, message string, fields map[string]any) {
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	safe := SafeFields(fields)
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(safe)
	}
	args := flattenFields(safe)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func recordCounter(ctx context.Context, recorder MetricsRecorder, name string, tags map[string]string) {
	if recorder == nil {
		return
	}
	recorder.IncCounter(ctx, strings.TrimSpace(name), 1, cloneTags(tags))
}

func recordDuration(ctx context.Context, recorder MetricsRecorder, name string, startedAt time.Time, tags map[string]string) {
	if recorder == nil {
		return
	}
	recorder.ObserveHistogram(ctx, strings.TrimSpace(name), float64(time.Since(startedAt).Milliseconds()), cloneTags(tags))
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}
