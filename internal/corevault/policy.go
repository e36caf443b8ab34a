package corevault

import (
	"context"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	xerrors "fasset-qa/internal/errors"
	"fasset-qa/pkg/logger"
)

// Policy 根据铸造比例决定 agent 与 core vault 之间的资金流向。
// 除只读配置外不持有任何状态，可被多个 goroutine 同时用于不同 agent。
type Policy struct {
	ledger       AssetLedger
	state        TransferStateStore
	returnState  ReturnStateStore
	executor     AgentExecutor
	lotSize      *big.Int
	thresholds   Thresholds
	transferRat  *big.Rat
	returnRat    *big.Rat
	guardReturns bool
	logger       *slog.Logger
	audit        *slog.Logger
	observer     DecisionObserver
	recorder     DecisionRecorder
	now          func() time.Time
}

// account 是由 AgentInfo 推导出的金额，单位均为 UBA。
type account struct {
	info  AgentInfo
	free  *big.Int
	total *big.Int
	ratio *big.Rat
}

// NewPolicy 构造 Policy，lotSize 必须为正，阈值需满足 0 <= return < transfer <= 1。
func NewPolicy(ledger AssetLedger, state TransferStateStore, executor AgentExecutor, lotSize *big.Int, opts ...Option) (*Policy, error) {
	if ledger == nil || state == nil || executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本、状态存储与执行器均不能为空")
	}
	if lotSize == nil || lotSize.Sign() <= 0 {
		return nil, xerrors.New(CodeInvalidPolicy, "lot 大小必须为正整数")
	}

	p := &Policy{
		ledger:     ledger,
		state:      state,
		executor:   executor,
		lotSize:    new(big.Int).Set(lotSize),
		thresholds: DefaultThresholds(),
		logger:     logger.Named("corevault"),
		audit:      logger.Audit(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if err := p.thresholds.Validate(); err != nil {
		return nil, err
	}
	p.transferRat = exactRatio(p.thresholds.TransferRatio)
	p.returnRat = exactRatio(p.thresholds.ReturnRatio)

	if p.guardReturns {
		rs, ok := state.(ReturnStateStore)
		if !ok {
			return nil, xerrors.New(CodeInvalidPolicy, "开启返还保护时状态存储必须支持返还标记")
		}
		p.returnState = rs
	}
	return p, nil
}

// Validate 检查阈值是否满足 0 <= ReturnRatio < TransferRatio <= 1。
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.TransferRatio, t.ReturnRatio} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return xerrors.New(CodeInvalidPolicy, "阈值必须是有限数")
		}
	}
	if t.ReturnRatio < 0 || t.TransferRatio > 1 || t.ReturnRatio >= t.TransferRatio {
		return xerrors.New(CodeInvalidPolicy, "阈值需满足 0 <= return_ratio < transfer_ratio <= 1",
			xerrors.WithMetadata("transfer_ratio", strconv.FormatFloat(t.TransferRatio, 'f', -1, 64)),
			xerrors.WithMetadata("return_ratio", strconv.FormatFloat(t.ReturnRatio, 'f', -1, 64)),
		)
	}
	return nil
}

// exactRatio 按最短十进制表示转换，使 0.2 比较时等于 1/5 而不是其二进制近似值。
func exactRatio(v float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return new(big.Rat).SetFloat64(v)
	}
	return r
}

// LotSize 返回 lot 大小的副本。
func (p *Policy) LotSize() *big.Int {
	return new(big.Int).Set(p.lotSize)
}

// Thresholds 返回当前阈值。
func (p *Policy) Thresholds() Thresholds {
	return p.thresholds
}

// AmountToLots 返回 amount / lotSize 的精确商，不做取整。
func (p *Policy) AmountToLots(amount *big.Int) *big.Rat {
	if amount == nil {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(amount, p.lotSize)
}

// WholeLots 返回 amount 可以覆盖的完整 lot 数（向下取整），这是实际提交给执行器的数量。
func (p *Policy) WholeLots(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(amount, p.lotSize)
}

// MaybeTransferToCoreVault 在铸造比例超过转入阈值时把 core vault 允许的最大数量转入。
// 若该 agent 已有转入在执行则直接跳过。
func (p *Policy) MaybeTransferToCoreVault(ctx context.Context, agentVault string) (Decision, error) {
	decision := p.newDecision(agentVault, DirectionToCoreVault)
	if err := validateVault(agentVault); err != nil {
		return p.fail(ctx, decision, err)
	}

	pending, err := p.state.IsTransferToCoreVaultPending(ctx, agentVault)
	if err != nil {
		return p.fail(ctx, decision, wrapCode(CodeTransferState, err, "读取转入执行标记失败", agentVault))
	}
	if pending {
		decision.Outcome = OutcomePending
		p.logger.Debug("转入 core vault 仍在执行，跳过", slog.String("agent_vault", agentVault))
		p.finish(ctx, decision)
		return decision, nil
	}

	acct, err := p.loadAccount(ctx, agentVault)
	if err != nil {
		return p.fail(ctx, decision, err)
	}
	decision.MintedRatio = acct.ratio

	amount, err := p.optimalTransfer(ctx, agentVault, acct)
	if err != nil {
		return p.fail(ctx, decision, err)
	}
	return p.execute(ctx, decision, amount)
}

// MaybeReturnFromCoreVault 在铸造比例低于返还阈值时，从 core vault 取回
// min(core vault 可用余额, agent 空闲抵押) 的数量。默认不检查执行中标记。
func (p *Policy) MaybeReturnFromCoreVault(ctx context.Context, agentVault string) (Decision, error) {
	decision := p.newDecision(agentVault, DirectionFromCoreVault)
	if err := validateVault(agentVault); err != nil {
		return p.fail(ctx, decision, err)
	}

	if p.returnState != nil {
		pending, err := p.returnState.IsReturnFromCoreVaultPending(ctx, agentVault)
		if err != nil {
			return p.fail(ctx, decision, wrapCode(CodeTransferState, err, "读取返还执行标记失败", agentVault))
		}
		if pending {
			decision.Outcome = OutcomePending
			p.logger.Debug("从 core vault 返还仍在执行，跳过", slog.String("agent_vault", agentVault))
			p.finish(ctx, decision)
			return decision, nil
		}
	}

	acct, err := p.loadAccount(ctx, agentVault)
	if err != nil {
		return p.fail(ctx, decision, err)
	}
	decision.MintedRatio = acct.ratio

	amount, err := p.optimalReturn(ctx, agentVault, acct)
	if err != nil {
		return p.fail(ctx, decision, err)
	}
	return p.execute(ctx, decision, amount)
}

// OptimalTransferToCoreVault 计算该 agent 的最优转入数量（UBA）。
func (p *Policy) OptimalTransferToCoreVault(ctx context.Context, agentVault string) (*big.Int, error) {
	acct, err := p.loadAccount(ctx, agentVault)
	if err != nil {
		return nil, err
	}
	return p.optimalTransfer(ctx, agentVault, acct)
}

// OptimalReturnFromCoreVault 计算该 agent 的最优返还数量（UBA）。
func (p *Policy) OptimalReturnFromCoreVault(ctx context.Context, agentVault string) (*big.Int, error) {
	acct, err := p.loadAccount(ctx, agentVault)
	if err != nil {
		return nil, err
	}
	return p.optimalReturn(ctx, agentVault, acct)
}

// Preview 计算两个方向的最优数量但不提交任何指令。
func (p *Policy) Preview(ctx context.Context, agentVault string) (Preview, error) {
	if err := validateVault(agentVault); err != nil {
		return Preview{}, err
	}
	pending, err := p.state.IsTransferToCoreVaultPending(ctx, agentVault)
	if err != nil {
		return Preview{}, wrapCode(CodeTransferState, err, "读取转入执行标记失败", agentVault)
	}
	var returnPending bool
	if p.returnState != nil {
		if returnPending, err = p.returnState.IsReturnFromCoreVaultPending(ctx, agentVault); err != nil {
			return Preview{}, wrapCode(CodeTransferState, err, "读取返还执行标记失败", agentVault)
		}
	}

	acct, err := p.loadAccount(ctx, agentVault)
	if err != nil {
		return Preview{}, err
	}
	transfer, err := p.optimalTransfer(ctx, agentVault, acct)
	if err != nil {
		return Preview{}, err
	}
	ret, err := p.optimalReturn(ctx, agentVault, acct)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		AgentVault:      agentVault,
		Info:            acct.info,
		FreeUBA:         acct.free,
		TotalUBA:        acct.total,
		MintedRatio:     acct.ratio,
		TransferPending: pending,
		ReturnPending:   returnPending,
		TransferUBA:     transfer,
		TransferLots:    p.WholeLots(transfer),
		ReturnUBA:       ret,
		ReturnLots:      p.WholeLots(ret),
	}, nil
}

func (p *Policy) loadAccount(ctx context.Context, agentVault string) (account, error) {
	info, err := p.ledger.AgentInfo(ctx, agentVault)
	if err != nil {
		return account{}, wrapCode(CodeAgentLookup, err, "获取 agent 状态失败", agentVault)
	}
	minted := nonNegative(info.MintedUBA)
	freeLots := nonNegative(info.FreeCollateralLots)

	free := new(big.Int).Mul(freeLots, p.lotSize)
	total := new(big.Int).Add(free, minted)
	acct := account{
		info:  AgentInfo{MintedUBA: minted, FreeCollateralLots: freeLots},
		free:  free,
		total: total,
	}
	if total.Sign() > 0 {
		acct.ratio = new(big.Rat).SetFrac(minted, total)
	}
	return acct, nil
}

func (p *Policy) optimalTransfer(ctx context.Context, agentVault string, acct account) (*big.Int, error) {
	if acct.ratio == nil || acct.ratio.Cmp(p.transferRat) <= 0 {
		return new(big.Int), nil
	}
	limit, err := p.ledger.MaximumTransferToCoreVault(ctx)
	if err != nil {
		return nil, wrapCode(CodeLedgerQuery, err, "查询 core vault 最大转入量失败", agentVault)
	}
	return nonNegative(limit.MaximumTransferUBA), nil
}

func (p *Policy) optimalReturn(ctx context.Context, agentVault string, acct account) (*big.Int, error) {
	if acct.ratio == nil || acct.ratio.Cmp(p.returnRat) >= 0 {
		return new(big.Int), nil
	}
	balance, err := p.ledger.CoreVaultAvailableAmount(ctx)
	if err != nil {
		return nil, wrapCode(CodeLedgerQuery, err, "查询 core vault 可用余额失败", agentVault)
	}
	available := nonNegative(balance.AvailableUBA)
	if available.Cmp(acct.free) < 0 {
		return available, nil
	}
	return new(big.Int).Set(acct.free), nil
}

func (p *Policy) execute(ctx context.Context, decision Decision, amount *big.Int) (Decision, error) {
	decision.AmountUBA = amount
	decision.Lots = p.WholeLots(amount)
	if decision.Lots.Sign() <= 0 {
		decision.Outcome = OutcomeNoop
		if amount.Sign() > 0 {
			p.logger.Debug("最优数量不足一个 lot",
				slog.String("agent_vault", decision.AgentVault),
				slog.String("direction", string(decision.Direction)),
				slog.String("amount_uba", amount.String()),
			)
		}
		p.finish(ctx, decision)
		return decision, nil
	}

	var err error
	switch decision.Direction {
	case DirectionToCoreVault:
		err = p.executor.TransferToCoreVault(ctx, decision.AgentVault, decision.Lots)
	case DirectionFromCoreVault:
		err = p.executor.ReturnFromCoreVault(ctx, decision.AgentVault, decision.Lots)
	}
	if err != nil {
		return p.fail(ctx, decision, wrapCode(CodeAgentExecution, err, "提交 core vault 指令失败", decision.AgentVault))
	}

	decision.Outcome = OutcomeExecuted
	message := "transferring to core vault"
	if decision.Direction == DirectionFromCoreVault {
		message = "returning from core vault"
	}
	p.audit.Info(message,
		slog.String("agent_vault", decision.AgentVault),
		slog.String("direction", string(decision.Direction)),
		slog.String("lots", decision.Lots.String()),
		slog.String("amount_uba", decision.AmountUBA.String()),
		slog.String("minted_ratio", RatioString(decision.MintedRatio)),
	)
	p.finish(ctx, decision)
	return decision, nil
}

func (p *Policy) fail(ctx context.Context, decision Decision, err error) (Decision, error) {
	decision.Outcome = OutcomeFailed
	decision.Err = err
	p.finish(ctx, decision)
	return decision, err
}

func (p *Policy) finish(ctx context.Context, decision Decision) {
	if p.observer != nil {
		p.observer.ObserveDecision(decision)
	}
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordDecision(ctx, decision); err != nil {
		p.logger.Warn("记录决策失败",
			slog.Any("error", err),
			slog.String("agent_vault", decision.AgentVault),
			slog.String("direction", string(decision.Direction)),
		)
	}
}

func (p *Policy) newDecision(agentVault string, dir Direction) Decision {
	return Decision{
		AgentVault: agentVault,
		Direction:  dir,
		AmountUBA:  new(big.Int),
		Lots:       new(big.Int),
		DecidedAt:  p.now(),
	}
}

func validateVault(agentVault string) error {
	if strings.TrimSpace(agentVault) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent vault 地址不能为空")
	}
	return nil
}

func nonNegative(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
