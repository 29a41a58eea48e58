// Package gojob carries janitor jobs over go-job queues.
package gojob

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/janitor"
)

const (
	JobIDPrefix = "payments.janitor."

	ParamDryRun = "dry_run"
	ParamLimit  = "limit"

	// DedupDrop drops a message whose idempotency key is already queued.
	DedupDrop = "drop"
)

// JobID returns the queue job id for a janitor job.
func JobID(name janitor.JobName) string {
	return JobIDPrefix + string(name)
}

// ParseJobID maps a queue job id back to its janitor job.
func ParseJobID(id string) (janitor.JobName, error) {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, JobIDPrefix) {
		return "", goerrors.New(fmt.Sprintf("gojob: job id %q is not a janitor job", id), goerrors.CategoryBadInput).
			WithTextCode(core.ServiceErrorBadInput)
	}
	return janitor.ParseJobName(strings.TrimPrefix(id, JobIDPrefix))
}

// NewJanitorMessage builds the queue message for one janitor run. The
// idempotency key buckets runs per minute so schedulers firing twice in the
// same minute enqueue one run.
func NewJanitorMessage(name janitor.JobName, opts janitor.Options, now time.Time) *core.JobExecutionMessage {
	return &core.JobExecutionMessage{
		JobID:      JobID(name),
		ScriptPath: JobID(name),
		Parameters: map[string]any{
			ParamDryRun: opts.DryRun,
			ParamLimit:  opts.Limit,
		},
		IdempotencyKey: fmt.Sprintf("%s@%s", JobID(name), now.UTC().Truncate(time.Minute).Format(time.RFC3339)),
		DedupPolicy:    DedupDrop,
	}
}

// JanitorRequest decodes a queue message into a janitor job and options.
// Parameters may arrive as native values or as JSON decoded numbers.
func JanitorRequest(msg *core.JobExecutionMessage) (janitor.JobName, janitor.Options, error) {
	if msg == nil {
		return "", janitor.Options{}, fmt.Errorf("gojob: execution message is required")
	}
	name, err := ParseJobID(msg.JobID)
	if err != nil {
		return "", janitor.Options{}, err
	}
	opts := janitor.Options{}
	if raw, ok := msg.Parameters[ParamDryRun]; ok {
		dryRun, err := boolParam(raw)
		if err != nil {
			return "", janitor.Options{}, err
		}
		opts.DryRun = dryRun
	}
	if raw, ok := msg.Parameters[ParamLimit]; ok {
		limit, err := intParam(raw)
		if err != nil {
			return "", janitor.Options{}, err
		}
		opts.Limit = limit
	}
	return name, opts, nil
}

func boolParam(raw any) (bool, error) {
	switch value := raw.(type) {
	case bool:
		return value, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(value))
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("gojob: %s must be a boolean, got %T", ParamDryRun, raw)
	}
}

func intParam(raw any) (int, error) {
	switch value := raw.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		return int(value), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(value))
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("gojob: %s must be a number, got %T", ParamLimit, raw)
	}
}

func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParams(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParams(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}
