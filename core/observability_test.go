package core

import (
	"context"
	"sync"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

type capturedLine struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu    *sync.Mutex
	lines *[]capturedLine
}

func newCaptureLogger() captureLogger {
	return captureLogger{mu: &sync.Mutex{}, lines: &[]capturedLine{}}
}

func (l captureLogger) add(level string, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.lines = append(*l.lines, capturedLine{level: level, msg: msg, args: args})
}

func (l captureLogger) Trace(msg string, args ...any) { l.add("trace", msg, args) }
func (l captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }
func (l captureLogger) Fatal(msg string, args ...any) { l.add("fatal", msg, args) }

func (l captureLogger) WithContext(context.Context) glog.Logger { return l }

func (l captureLogger) all() []capturedLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]capturedLine(nil), *l.lines...)
}

type capturedCounter struct {
	name string
	tags map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []string
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, _ int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, _ float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, name)
}

func argsMap(args []any) map[string]any {
	out := map[string]any{}
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		out[key] = args[i+1]
	}
	return out
}

func TestLogWithLevelFiltersFields(t *testing.T) {
	logger := newCaptureLogger()
	LogWithLevel(context.Background(), logger, "WARN", "webhook rejected", map[string]any{
		"event_id":  "evt_1",
		"signature": "t=1,v1=abc",
		"email":     "a@example.test",
	})

	lines := logger.all()
	if len(lines) != 1 || lines[0].level != "warn" || lines[0].msg != "webhook rejected" {
		t.Fatalf("unexpected log lines %#v", lines)
	}
	fields := argsMap(lines[0].args)
	if fields["event_id"] != "evt_1" || fields["signature"] != RedactedValue {
		t.Fatalf("expected allow-listed and redacted fields, got %#v", fields)
	}
	if _, ok := fields["email"]; ok {
		t.Fatalf("expected unknown field to be dropped")
	}
	LogWithLevel(context.Background(), nil, "info", "ignored", nil)
}

func TestServiceObservesFailedOperations(t *testing.T) {
	logger := newCaptureLogger()
	metrics := &captureMetricsRecorder{}
	svc, err := NewService(Config{},
		WithStores(stubStores{}),
		WithLogger(logger),
		WithMetricsRecorder(metrics),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.CreateOrder(context.Background(), CreateOrderInput{}); err == nil {
		t.Fatalf("expected validation error")
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.counters) != 1 || metrics.counters[0].name != "payments.create_order.total" {
		t.Fatalf("unexpected counters %#v", metrics.counters)
	}
	if metrics.counters[0].tags["status"] != "failure" {
		t.Fatalf("expected failure status tag, got %#v", metrics.counters[0].tags)
	}
	if len(metrics.histograms) != 1 || metrics.histograms[0] != "payments.create_order.duration_ms" {
		t.Fatalf("unexpected histograms %#v", metrics.histograms)
	}

	var failed bool
	for _, line := range logger.all() {
		if line.level == "error" && line.msg == "create_order failed" {
			failed = true
			if argsMap(line.args)["error"] == nil {
				t.Fatalf("expected error field on failure log")
			}
		}
	}
	if !failed {
		t.Fatalf("expected create_order failure log, got %#v", logger.all())
	}
}
