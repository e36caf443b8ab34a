package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
	"fasset-qa/internal/observability/alerting"
	"fasset-qa/internal/observability/metrics"
	"fasset-qa/pkg/logger"
)

// Evaluator 定义了处理器所需的决策能力，通常由 corevault.Policy 实现。
type Evaluator interface {
	MaybeTransferToCoreVault(ctx context.Context, agentVault string) (corevault.Decision, error)
	MaybeReturnFromCoreVault(ctx context.Context, agentVault string) (corevault.Decision, error)
}

// Processor 负责从队列消费 agent 并对其执行一次双向评估。
// 失败的评估只记录、告警，不会重新入队，由下一轮调度重新评估。
type Processor struct {
	evaluator   Evaluator
	consumer    Consumer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     *metrics.Metrics
	newID       func() string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithEvaluationTimeout 限制单次评估（两个方向合计）的耗时。
func WithEvaluationTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.timeout = timeout
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithMetrics 配置评估指标。
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(evaluator Evaluator, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		evaluator:   evaluator,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("task"),
		newID:       uuid.NewString,
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动评估循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置评估队列消费者")
	}
	p.logger.Info("评估处理器启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, agentVault string) error {
	_, err := p.Evaluate(ctx, agentVault)
	if stdErrors.Is(err, ErrEvaluationInFlight) {
		p.logger.Debug("跳过正在评估的 agent", slog.String("agent_vault", agentVault))
		return nil
	}
	return err
}

// Evaluate 对 agent 依次执行转入与返还决策。两个方向相互独立，一个方向失败不影响另一个方向，
// 唯一的例外是 agent 状态查询失败，此时整轮评估中止。
// 同一个 agent 同时只允许一个评估在执行，重复请求返回 ErrEvaluationInFlight。
func (p *Processor) Evaluate(ctx context.Context, agentVault string) (Evaluation, error) {
	if p.evaluator == nil {
		return Evaluation{}, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	vault, err := NormalizeVault(agentVault)
	if err != nil {
		return Evaluation{AgentVault: agentVault}, err
	}
	if !p.acquire(vault) {
		return Evaluation{AgentVault: vault, Skipped: true}, ErrEvaluationInFlight
	}
	defer p.release(vault)

	done := p.metrics.EvaluationStarted()
	defer done()

	eval := Evaluation{ID: p.newID(), AgentVault: vault, StartedAt: time.Now()}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var transferErr, returnErr error
	eval.Transfer, transferErr = p.evaluator.MaybeTransferToCoreVault(ctx, vault)
	if transferErr != nil {
		transferErr = p.reportFailure(ctx, eval, string(corevault.DirectionToCoreVault), transferErr)
	}
	if xerrors.CodeOf(transferErr) == corevault.CodeAgentLookup {
		// agent 状态不可读时本轮评估中止，返还方向不再重复查询。
		eval.Return = corevault.Decision{
			AgentVault: vault,
			Direction:  corevault.DirectionFromCoreVault,
			Outcome:    corevault.OutcomeFailed,
			Err:        transferErr,
			DecidedAt:  time.Now(),
		}
	} else {
		eval.Return, returnErr = p.evaluator.MaybeReturnFromCoreVault(ctx, vault)
		if returnErr != nil {
			returnErr = p.reportFailure(ctx, eval, string(corevault.DirectionFromCoreVault), returnErr)
		}
	}
	eval.Duration = time.Since(eval.StartedAt)

	err = stdErrors.Join(transferErr, returnErr)
	p.metrics.ObserveEvaluation(eval.Duration, err)
	p.logger.Debug("agent 评估完成",
		slog.String("evaluation_id", eval.ID),
		slog.String("agent_vault", vault),
		slog.String("transfer_outcome", string(eval.Transfer.Outcome)),
		slog.String("return_outcome", string(eval.Return.Outcome)),
		slog.Duration("duration", eval.Duration),
	)
	return eval, err
}

// reportFailure 记录失败并按错误码决定是否告警，未编码的错误统一包装为 CodeEvaluationFailed。
func (p *Processor) reportFailure(ctx context.Context, eval Evaluation, stage string, err error) error {
	if _, ok := xerrors.From(err); !ok {
		err = xerrors.Wrap(CodeEvaluationFailed, err, "agent 评估失败", xerrors.WithAgent(eval.AgentVault))
	}
	p.logger.Error("agent 评估失败",
		slog.Any("error", err),
		slog.String("evaluation_id", eval.ID),
		slog.String("agent_vault", eval.AgentVault),
		slog.String("stage", stage),
	)
	if xerrors.ShouldAlert(err) {
		p.emitAlert(ctx, eval, stage, err)
	}
	return err
}

func (p *Processor) emitAlert(ctx context.Context, eval Evaluation, stage string, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.EventFromError(cause, eval.AgentVault, stage)
	event.EvaluationID = eval.ID
	// 评估超时后仍需送出告警。
	notifyCtx := context.WithoutCancel(ctx)
	if err := p.alerter.Notify(notifyCtx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("evaluation_id", eval.ID),
			slog.String("stage", stage),
		)
	}
}

func (p *Processor) acquire(vault string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[vault]; busy {
		return false
	}
	p.inFlight[vault] = struct{}{}
	return true
}

func (p *Processor) release(vault string) {
	p.mu.Lock()
	delete(p.inFlight, vault)
	p.mu.Unlock()
}
