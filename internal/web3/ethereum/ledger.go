package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
	"fasset-qa/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger reads agent and core vault state from the asset manager contract.
// It implements corevault.AssetLedger.
type Ledger struct {
	caller       web3.ContractCaller
	assetManager common.Address
	abi          abi.ABI
	timeout      time.Duration
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithCallTimeout bounds every contract call.
func WithCallTimeout(timeout time.Duration) LedgerOption {
	return func(l *Ledger) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// NewLedger binds the asset manager at the given address.
func NewLedger(caller web3.ContractCaller, assetManager string, contractABI abi.ABI, opts ...LedgerOption) (*Ledger, error) {
	if caller == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供合约调用后端")
	}
	assetManager = strings.TrimSpace(assetManager)
	if !common.IsHexAddress(assetManager) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("资产管理合约地址非法: %q", assetManager))
	}
	for _, name := range []string{methodAgentInfo, methodMaximumTransfer, methodCoreVaultBalance} {
		if _, ok := contractABI.Methods[name]; !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("ABI 缺少方法 %s", name))
		}
	}
	l := &Ledger{
		caller:       caller,
		assetManager: common.HexToAddress(assetManager),
		abi:          contractABI,
		timeout:      10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// AssetManager returns the bound contract address.
func (l *Ledger) AssetManager() common.Address {
	return l.assetManager
}

// AgentInfo reads minted amount and free collateral lots of an agent vault.
func (l *Ledger) AgentInfo(ctx context.Context, agentVault string) (corevault.AgentInfo, error) {
	vault := strings.TrimSpace(agentVault)
	if !common.IsHexAddress(vault) {
		return corevault.AgentInfo{}, xerrors.New(corevault.CodeAgentLookup,
			fmt.Sprintf("agent vault 地址非法: %q", agentVault), xerrors.WithAgent(agentVault))
	}
	values, err := l.call(ctx, methodAgentInfo, common.HexToAddress(vault))
	if err != nil {
		return corevault.AgentInfo{}, xerrors.Wrap(corevault.CodeAgentLookup, err, "读取 agent 信息失败", xerrors.WithAgent(agentVault))
	}
	if len(values) == 0 {
		return corevault.AgentInfo{}, xerrors.New(corevault.CodeAgentLookup, "agent 信息为空", xerrors.WithAgent(agentVault))
	}
	minted, err := bigField(values[0], "MintedUBA")
	if err != nil {
		return corevault.AgentInfo{}, xerrors.Wrap(corevault.CodeAgentLookup, err, "解析 agent 信息失败", xerrors.WithAgent(agentVault))
	}
	freeLots, err := bigField(values[0], "FreeCollateralLots")
	if err != nil {
		return corevault.AgentInfo{}, xerrors.Wrap(corevault.CodeAgentLookup, err, "解析 agent 信息失败", xerrors.WithAgent(agentVault))
	}
	return corevault.AgentInfo{MintedUBA: minted, FreeCollateralLots: freeLots}, nil
}

// MaximumTransferToCoreVault returns the second value of the contract's
// (minimum left, maximum transfer) pair.
func (l *Ledger) MaximumTransferToCoreVault(ctx context.Context) (corevault.TransferLimit, error) {
	amount, err := l.secondAmount(ctx, methodMaximumTransfer)
	if err != nil {
		return corevault.TransferLimit{}, xerrors.Wrap(corevault.CodeLedgerQuery, err, "查询 core vault 最大转入量失败")
	}
	return corevault.TransferLimit{MaximumTransferUBA: amount}, nil
}

// CoreVaultAvailableAmount returns the second value of the contract's
// (immediately available, total available) pair.
func (l *Ledger) CoreVaultAvailableAmount(ctx context.Context) (corevault.CoreVaultBalance, error) {
	amount, err := l.secondAmount(ctx, methodCoreVaultBalance)
	if err != nil {
		return corevault.CoreVaultBalance{}, xerrors.Wrap(corevault.CodeLedgerQuery, err, "查询 core vault 可用余额失败")
	}
	return corevault.CoreVaultBalance{AvailableUBA: amount}, nil
}

func (l *Ledger) secondAmount(ctx context.Context, method string) (*big.Int, error) {
	values, err := l.call(ctx, method)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("%s 返回值数量不足: %d", method, len(values))
	}
	amount, ok := values[1].(*big.Int)
	if !ok || amount == nil {
		return nil, fmt.Errorf("%s 返回值类型非法: %T", method, values[1])
	}
	return amount, nil
}

func (l *Ledger) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	to := l.assetManager
	output, err := l.caller.CallContract(callCtx, gethcore.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	values, err := l.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return values, nil
}

// bigField reads a *big.Int field from a tuple decoded by the abi package.
func bigField(value any, name string) (*big.Int, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("返回值不是结构体: %T", value)
	}
	field := rv.FieldByName(name)
	if !field.IsValid() {
		return nil, fmt.Errorf("返回值缺少字段 %s", name)
	}
	n, ok := field.Interface().(*big.Int)
	if !ok || n == nil {
		return nil, fmt.Errorf("字段 %s 类型非法: %s", name, field.Type())
	}
	return n, nil
}

var _ corevault.AssetLedger = (*Ledger)(nil)
