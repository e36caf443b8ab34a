package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"fasset-qa/internal/config"
	"fasset-qa/internal/recorder"
	"fasset-qa/internal/storage/memory"
	"fasset-qa/internal/task"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "evaluate", "create-agent"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %s missing: %v", name, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("--config flag missing")
	}
	evaluate, _, _ := root.Find([]string{"evaluate"})
	if evaluate.Flags().Lookup("dry-run") == nil {
		t.Fatalf("--dry-run flag missing")
	}
}

func TestEvaluateRejectsBadAddressBeforeLoadingConfig(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"evaluate", "not-a-vault", "--config", "/nonexistent.yaml"})
	err := root.ExecuteContext(context.Background())
	if err == nil || strings.Contains(err.Error(), "nonexistent") {
		t.Fatalf("expected address error, got %v", err)
	}
}

func TestOpenTransferStateMemory(t *testing.T) {
	state, err := openTransferState(context.Background(), config.TransferStateConfig{Driver: "memory", PendingTTL: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer state.Close()
	if _, ok := state.(*memory.TransferStateStore); !ok {
		t.Fatalf("unexpected store %T", state)
	}
	if _, err := openTransferState(context.Background(), config.TransferStateConfig{Driver: "etcd"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenQueueMemory(t *testing.T) {
	q, err := openQueue(context.Background(), config.QueueConfig{Driver: "memory", Buffer: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()
	if _, ok := q.(*task.MemoryQueue); !ok {
		t.Fatalf("unexpected queue %T", q)
	}
	if _, err := openQueue(context.Background(), config.QueueConfig{Driver: "kafka"}); err == nil {
		t.Fatalf("expected unsupported queue error")
	}
}

func TestOpenRecorder(t *testing.T) {
	rec, err := openRecorder(config.RecorderConfig{})
	if err != nil {
		t.Fatalf("noop: %v", err)
	}
	if _, ok := rec.(*recorder.NoopRecorder); !ok {
		t.Fatalf("expected noop recorder, got %T", rec)
	}
	rec, err = openRecorder(config.RecorderConfig{Path: t.TempDir() + "/history.db"})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer rec.Close()
	if _, ok := rec.(*recorder.NoopRecorder); ok {
		t.Fatalf("expected sqlite recorder")
	}
}

func TestBuildAuthAndAlerter(t *testing.T) {
	guard, err := buildAuth([]config.APITokenConfig{{Name: "ops", Token: "t", Permissions: []string{"*"}}})
	if err != nil || !guard.Enabled() {
		t.Fatalf("auth not enabled: %v", err)
	}
	if _, err := buildAuth([]config.APITokenConfig{{Name: "", Token: "t"}}); err == nil {
		t.Fatalf("expected invalid token error")
	}
	alerter := buildAlerter(config.AlertingConfig{Log: true, Webhook: config.WebhookConfig{URL: "http://localhost:9/hook", Timeout: time.Second}})
	if got := len(alerter.Channels()); got != 2 {
		t.Fatalf("expected two channels, got %d", got)
	}
}
