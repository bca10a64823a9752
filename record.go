package rpcpool

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const redacted = "***"

var argsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Pipeline steps recorded in a CallRecord timeline.
const (
	StepSelect  = "select"
	StepAcquire = "acquire"
	StepOpen    = "open"
	StepInvoke  = "invoke"
	StepSuccess = "success"
	StepFail    = "fail"
	StepRetry   = "retry_same_endpoint"
	StepSwitch  = "switch_endpoint"
)

// Step is one timestamped entry of a call's timeline.
type Step struct {
	At       time.Time
	Name     string
	Endpoint string
	Detail   string
}

// CallRecord is the structured log record of one call through the pipeline.
type CallRecord struct {
	ID       uuid.UUID
	Contract string
	Method   string
	Args     string
	Endpoint string
	Outcome  string
	Attempts int
	Started  time.Time
	Elapsed  time.Duration
	Steps    []Step
}

func newCallRecord(call *Call, redact []int, now time.Time) *CallRecord {
	return &CallRecord{
		ID:       uuid.New(),
		Contract: call.Contract,
		Method:   call.Method,
		Args:     formatArgs(call.Args, redact),
		Started:  now,
		Steps:    make([]Step, 0, 8),
	}
}

func (r *CallRecord) step(now time.Time, name, endpoint, detail string) {
	r.Steps = append(r.Steps, Step{At: now, Name: name, Endpoint: endpoint, Detail: detail})
	if endpoint != "" {
		r.Endpoint = endpoint
	}
}

func (r *CallRecord) finish(now time.Time, outcome string) {
	r.Outcome = outcome
	r.Elapsed = now.Sub(r.Started)
}

// Timeline renders the steps relative to the start of the call.
func (r *CallRecord) Timeline() string {
	var b strings.Builder
	for i, s := range r.Steps {
		if i > 0 {
			b.WriteString(" | ")
		}
		fmt.Fprintf(&b, "+%s %s", s.At.Sub(r.Started), s.Name)
		if s.Endpoint != "" {
			b.WriteString(" " + s.Endpoint)
		}
		if s.Detail != "" {
			b.WriteString(" (" + s.Detail + ")")
		}
	}
	return b.String()
}

// LogValue implements slog.LogValuer.
func (r *CallRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID.String()),
		slog.String("contract", r.Contract),
		slog.String("method", r.Method),
		slog.String("args", r.Args),
		slog.String("endpoint", r.Endpoint),
		slog.Int("attempts", r.Attempts),
		slog.Duration("elapsed", r.Elapsed),
		slog.String("outcome", r.Outcome),
		slog.String("timeline", r.Timeline()),
	)
}

// formatArgs renders call arguments as JSON, replacing redacted positions.
func formatArgs(args []any, redact []int) string {
	if len(args) == 0 {
		return "[]"
	}

	out := make([]any, len(args))
	copy(out, args)
	for _, i := range redact {
		if i >= 0 && i < len(out) {
			out[i] = redacted
		}
	}

	s, err := argsJSON.MarshalToString(out)
	if err != nil {
		return fmt.Sprint(out...)
	}
	return s
}
