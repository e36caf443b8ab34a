package task

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
	"fasset-qa/internal/observability/alerting"
	"fasset-qa/internal/observability/metrics"
	"fasset-qa/pkg/logger"
)

func vaultAddr(i int) string {
	return fmt.Sprintf("0x%040x", i+1)
}

type fakeEvaluator struct {
	mu          sync.Mutex
	transfers   map[string]int
	returns     map[string]int
	latency     time.Duration
	transferErr error
	returnErr   error
	block       chan struct{}
	active      atomic.Int32
	processed   atomic.Int32
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{transfers: map[string]int{}, returns: map[string]int{}}
}

func (f *fakeEvaluator) MaybeTransferToCoreVault(ctx context.Context, vault string) (corevault.Decision, error) {
	f.active.Add(1)
	defer f.active.Add(-1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return corevault.Decision{}, ctx.Err()
		}
	}
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return corevault.Decision{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.transfers[vault]++
	f.mu.Unlock()
	d := corevault.Decision{AgentVault: vault, Direction: corevault.DirectionToCoreVault, Outcome: corevault.OutcomeNoop}
	if f.transferErr != nil {
		d.Outcome = corevault.OutcomeFailed
		return d, f.transferErr
	}
	return d, nil
}

func (f *fakeEvaluator) MaybeReturnFromCoreVault(_ context.Context, vault string) (corevault.Decision, error) {
	f.mu.Lock()
	f.returns[vault]++
	f.mu.Unlock()
	f.processed.Add(1)
	d := corevault.Decision{AgentVault: vault, Direction: corevault.DirectionFromCoreVault, Outcome: corevault.OutcomeExecuted, Lots: big.NewInt(1)}
	if f.returnErr != nil {
		d.Outcome = corevault.OutcomeFailed
		return d, f.returnErr
	}
	return d, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

func TestProcessorHandlesConcurrentAgents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := NewMemoryQueue(1024)
	evaluator := newFakeEvaluator()
	evaluator.latency = 5 * time.Millisecond

	service := NewService(queue)
	processor := NewProcessor(evaluator, queue, WithWorkerCount(8), WithProcessorLogger(logger.Discard()))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, vaultAddr(i)); err != nil {
			t.Fatalf("提交评估失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(evaluator.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("评估未能及时完成，已完成 %d", evaluator.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}

	evaluator.mu.Lock()
	defer evaluator.mu.Unlock()
	for i := 0; i < total; i++ {
		vault, _ := NormalizeVault(vaultAddr(i))
		if evaluator.transfers[vault] != 1 || evaluator.returns[vault] != 1 {
			t.Fatalf("agent %s evaluated %d/%d times", vault, evaluator.transfers[vault], evaluator.returns[vault])
		}
	}
}

func TestEvaluateRejectsSameAgentWhileInFlight(t *testing.T) {
	evaluator := newFakeEvaluator()
	evaluator.block = make(chan struct{})
	processor := NewProcessor(evaluator, nil, WithProcessorLogger(logger.Discard()))

	vault := vaultAddr(7)
	firstDone := make(chan error, 1)
	go func() {
		_, err := processor.Evaluate(context.Background(), vault)
		firstDone <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for evaluator.active.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first evaluation never started")
		}
		time.Sleep(time.Millisecond)
	}

	eval, err := processor.Evaluate(context.Background(), vault)
	if !errors.Is(err, ErrEvaluationInFlight) || !eval.Skipped {
		t.Fatalf("expected in-flight rejection, got %+v %v", eval, err)
	}
	if err := processor.handle(context.Background(), vault); err != nil {
		t.Fatalf("handle should swallow in-flight rejection: %v", err)
	}

	close(evaluator.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}
	if _, err := processor.Evaluate(context.Background(), vault); err != nil {
		t.Fatalf("evaluation after release failed: %v", err)
	}
}

func TestEvaluateRunsBothDirectionsAndAlerts(t *testing.T) {
	evaluator := newFakeEvaluator()
	evaluator.transferErr = xerrors.New(corevault.CodeAgentExecution, "bot exited 1", xerrors.WithAgent(vaultAddr(1)))
	evaluator.returnErr = errors.New("plain failure")
	dispatcher := &recordingDispatcher{}
	m, reg := metrics.NewRegistry()

	processor := NewProcessor(evaluator, nil,
		WithProcessorLogger(logger.Discard()),
		WithAlertDispatcher(dispatcher),
		WithMetrics(m),
	)
	processor.newID = func() string { return "eval-1" }

	eval, err := processor.Evaluate(context.Background(), vaultAddr(1))
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if !errors.Is(err, xerrors.New(corevault.CodeAgentExecution, "")) {
		t.Fatalf("transfer error code lost: %v", err)
	}
	if !errors.Is(err, xerrors.New(CodeEvaluationFailed, "")) {
		t.Fatalf("plain error not wrapped: %v", err)
	}
	if eval.ID != "eval-1" || eval.Transfer.Outcome != corevault.OutcomeFailed || eval.Return.Outcome != corevault.OutcomeFailed {
		t.Fatalf("unexpected evaluation %+v", eval)
	}

	events := dispatcher.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(events))
	}
	if events[0].Code != corevault.CodeAgentExecution || events[0].EvaluationID != "eval-1" || events[0].Stage != string(corevault.DirectionToCoreVault) {
		t.Fatalf("unexpected first alert %+v", events[0])
	}
	if events[1].Code != CodeEvaluationFailed || events[1].AgentVault == "" {
		t.Fatalf("unexpected second alert %+v", events[1])
	}

	if got, err := testutil.GatherAndCount(reg, "fassetqa_queue_evaluations_total"); err != nil || got != 1 {
		t.Fatalf("expected one evaluation series, got %d %v", got, err)
	}
}

func TestEvaluateSkipsAlertForQuietCodes(t *testing.T) {
	evaluator := newFakeEvaluator()
	evaluator.transferErr = xerrors.New(corevault.CodeLedgerQuery, "rpc down")
	dispatcher := &recordingDispatcher{}
	processor := NewProcessor(evaluator, nil, WithProcessorLogger(logger.Discard()), WithAlertDispatcher(dispatcher))

	eval, err := processor.Evaluate(context.Background(), vaultAddr(2))
	if err == nil {
		t.Fatalf("expected error")
	}
	if eval.Return.Outcome != corevault.OutcomeExecuted {
		t.Fatalf("return direction should still run, got %+v", eval.Return)
	}
	if n := len(dispatcher.snapshot()); n != 0 {
		t.Fatalf("expected no alerts, got %d", n)
	}
}

func TestEvaluateAbortsCycleOnLookupFailure(t *testing.T) {
	evaluator := newFakeEvaluator()
	evaluator.transferErr = xerrors.New(corevault.CodeAgentLookup, "getAgentInfo reverted", xerrors.WithAlert(true))
	dispatcher := &recordingDispatcher{}
	processor := NewProcessor(evaluator, nil, WithProcessorLogger(logger.Discard()), WithAlertDispatcher(dispatcher))

	eval, err := processor.Evaluate(context.Background(), vaultAddr(4))
	if xerrors.CodeOf(err) != corevault.CodeAgentLookup {
		t.Fatalf("expected lookup error, got %v", err)
	}
	evaluator.mu.Lock()
	returns := evaluator.returns[vaultAddr(4)]
	evaluator.mu.Unlock()
	if returns != 0 {
		t.Fatalf("return direction should not run after lookup failure, ran %d times", returns)
	}
	if eval.Return.Outcome != corevault.OutcomeFailed || eval.Return.Direction != corevault.DirectionFromCoreVault {
		t.Fatalf("unexpected return decision %+v", eval.Return)
	}
	if n := len(dispatcher.snapshot()); n != 1 {
		t.Fatalf("lookup failure should alert once, got %d", n)
	}
}

func TestEvaluateTimeout(t *testing.T) {
	evaluator := newFakeEvaluator()
	evaluator.block = make(chan struct{})
	defer close(evaluator.block)
	processor := NewProcessor(evaluator, nil, WithProcessorLogger(logger.Discard()), WithEvaluationTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := processor.Evaluate(context.Background(), vaultAddr(3))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestEvaluateRejectsInvalidVault(t *testing.T) {
	processor := NewProcessor(newFakeEvaluator(), nil, WithProcessorLogger(logger.Discard()))
	if _, err := processor.Evaluate(context.Background(), "not-an-address"); xerrors.CodeOf(err) != CodeEvaluationValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStartRequiresConsumer(t *testing.T) {
	processor := NewProcessor(newFakeEvaluator(), nil, WithProcessorLogger(logger.Discard()))
	if err := processor.Start(context.Background()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization error, got %v", err)
	}
}
