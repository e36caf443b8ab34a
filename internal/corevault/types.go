package corevault

import (
	"context"
	"math/big"
	"time"
)

// AgentInfo 是账本返回的 agent 账户快照。
type AgentInfo struct {
	MintedUBA          *big.Int
	FreeCollateralLots *big.Int
}

// TransferLimit 是 core vault 单次可接收的最大转入量。
type TransferLimit struct {
	MaximumTransferUBA *big.Int
}

// CoreVaultBalance 是 core vault 当前可返还的余额。
type CoreVaultBalance struct {
	AvailableUBA *big.Int
}

// AssetLedger 提供 agent 与 core vault 的链上状态。
type AssetLedger interface {
	AgentInfo(ctx context.Context, agentVault string) (AgentInfo, error)
	MaximumTransferToCoreVault(ctx context.Context) (TransferLimit, error)
	CoreVaultAvailableAmount(ctx context.Context) (CoreVaultBalance, error)
}

// TransferStateStore 记录某个 agent 是否已有转入 core vault 的交易在执行。
type TransferStateStore interface {
	IsTransferToCoreVaultPending(ctx context.Context, agentVault string) (bool, error)
}

// ReturnStateStore 是可选能力，开启对称保护时用于判断返还是否在执行。
type ReturnStateStore interface {
	IsReturnFromCoreVaultPending(ctx context.Context, agentVault string) (bool, error)
}

// AgentExecutor 负责真正提交 agent 操作。
type AgentExecutor interface {
	TransferToCoreVault(ctx context.Context, agentVault string, lots *big.Int) error
	ReturnFromCoreVault(ctx context.Context, agentVault string, lots *big.Int) error
	CreateAgent(ctx context.Context, settingsPath string) (string, error)
	DepositCollaterals(ctx context.Context, agentVault string, lots *big.Int) error
	MakeAvailable(ctx context.Context, agentVault string) error
}

// Direction 表示资金流动方向。
type Direction string

const (
	DirectionToCoreVault   Direction = "to_core_vault"
	DirectionFromCoreVault Direction = "from_core_vault"
)

// Outcome 表示一次决策的结果。
type Outcome string

const (
	// OutcomeExecuted 表示已向执行器提交指令。
	OutcomeExecuted Outcome = "executed"
	// OutcomeNoop 表示最优数量不足一个 lot，未做任何操作。
	OutcomeNoop Outcome = "noop"
	// OutcomePending 表示已有同方向的交易在执行，本次跳过。
	OutcomePending Outcome = "pending"
	// OutcomeFailed 表示读取状态或提交指令失败。
	OutcomeFailed Outcome = "failed"
)

// Decision 描述一次决策的输入摘要与结果。
type Decision struct {
	AgentVault  string
	Direction   Direction
	Outcome     Outcome
	MintedRatio *big.Rat
	AmountUBA   *big.Int
	Lots        *big.Int
	Err         error
	DecidedAt   time.Time
}

// Executed 判断是否向执行器提交了指令。
func (d Decision) Executed() bool {
	return d.Outcome == OutcomeExecuted
}

// Preview 是不触发执行的决策预演结果。
type Preview struct {
	AgentVault      string
	Info            AgentInfo
	FreeUBA         *big.Int
	TotalUBA        *big.Int
	MintedRatio     *big.Rat
	TransferPending bool
	ReturnPending   bool
	TransferUBA     *big.Int
	TransferLots    *big.Int
	ReturnUBA       *big.Int
	ReturnLots      *big.Int
}

// DecisionObserver 接收每一次决策，通常用于指标统计。
type DecisionObserver interface {
	ObserveDecision(d Decision)
}

// DecisionRecorder 持久化决策历史。
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// RatioString 以定长小数形式展示铸造比例，比例不存在时返回空串。
func RatioString(r *big.Rat) string {
	if r == nil {
		return ""
	}
	return r.FloatString(6)
}
