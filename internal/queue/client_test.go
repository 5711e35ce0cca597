package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/visionx/internal/config"
	"github.com/hibiken/asynq"
)

func TestTaskOptions(t *testing.T) {
	cfg := config.QueueConfig{MaxRetry: 3, TaskTimeout: 5 * time.Minute, Retention: 24 * time.Hour}
	opts := taskOptions("visionx", cfg)

	want := map[asynq.OptionType]any{
		asynq.QueueOpt:     "visionx",
		asynq.MaxRetryOpt:  3,
		asynq.TimeoutOpt:   5 * time.Minute,
		asynq.RetentionOpt: 24 * time.Hour,
	}
	if len(opts) != len(want) {
		t.Fatalf("expected %d options, got %d", len(want), len(opts))
	}
	for _, opt := range opts {
		if got := opt.Value(); got != want[opt.Type()] {
			t.Fatalf("option %s: expected %v, got %v", opt.String(), want[opt.Type()], got)
		}
	}
}

func TestTaskOptionsSkipsUnset(t *testing.T) {
	opts := taskOptions("default", config.QueueConfig{MaxRetry: -1})
	if len(opts) != 1 || opts[0].Type() != asynq.QueueOpt {
		t.Fatalf("expected only the queue option, got %v", opts)
	}
}
