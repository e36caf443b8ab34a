package agent

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
	"fasset-qa/pkg/logger"
)

const (
	// CodeAgentCreate 对应 agent vault 创建失败。
	CodeAgentCreate xerrors.Code = "AGENT_CREATE_FAILED"
	// CodeAgentFunding 对应创建后存入抵押品或上线失败。
	CodeAgentFunding xerrors.Code = "AGENT_FUNDING_FAILED"
)

func init() {
	xerrors.Register(CodeAgentCreate, xerrors.Attributes{
		Message:  "agent creation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeAgentFunding, xerrors.Attributes{
		Message:  "agent funding failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Registry 登记新创建的 agent，通常由 recorder 实现。
type Registry interface {
	RecordAgent(ctx context.Context, agentVault, settingsPath string) error
}

// CreateRequest 描述一次创建请求。
type CreateRequest struct {
	SettingsPath  string `json:"settings_path"`
	DepositLots   int64  `json:"deposit_lots"`
	MakeAvailable bool   `json:"make_available"`
}

// CreateResult 汇总创建流程各步骤的结果。
type CreateResult struct {
	AgentVault   string `json:"agent_vault"`
	SettingsPath string `json:"settings_path"`
	DepositLots  int64  `json:"deposit_lots"`
	Deposited    bool   `json:"deposited"`
	Available    bool   `json:"available"`
}

// Manager 负责 agent 的创建流程。
type Manager struct {
	executor corevault.AgentExecutor
	registry Registry
	logger   *slog.Logger
	audit    *slog.Logger
}

// Option 定义可选的 Manager 配置。
type Option func(*Manager)

// WithRegistry 配置创建成功后登记 agent 的位置。
func WithRegistry(registry Registry) Option {
	return func(m *Manager) {
		m.registry = registry
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.audit = l
		}
	}
}

// New 创建 Manager。
func New(executor corevault.AgentExecutor, opts ...Option) *Manager {
	m := &Manager{
		executor: executor,
		logger:   logger.Named("agent"),
		audit:    logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateAgent 创建 agent vault。DepositLots 大于 0 时为其存入对应数量 lot 的抵押品，
// 存入成功后且 MakeAvailable 为真时才让 agent 上线。
// 后续步骤失败时返回已创建的 vault 地址与错误，调用方可以手动补齐。
func (m *Manager) CreateAgent(ctx context.Context, req CreateRequest) (CreateResult, error) {
	result := CreateResult{SettingsPath: strings.TrimSpace(req.SettingsPath), DepositLots: req.DepositLots}
	if m.executor == nil {
		return result, xerrors.New(xerrors.CodeInitializationFailure, "未配置 agent 执行器")
	}
	if result.SettingsPath == "" {
		return result, xerrors.New(xerrors.CodeInvalidArgument, "agent 设置文件路径不能为空")
	}
	if req.DepositLots < 0 {
		return result, xerrors.New(xerrors.CodeInvalidArgument, "存入 lot 数不能为负数")
	}

	vault, err := m.executor.CreateAgent(ctx, result.SettingsPath)
	if err != nil {
		return result, xerrors.Wrap(CodeAgentCreate, err, "创建 agent 失败", xerrors.WithMetadata("settings_path", result.SettingsPath))
	}
	result.AgentVault = vault

	if m.registry != nil {
		if err := m.registry.RecordAgent(ctx, vault, result.SettingsPath); err != nil {
			m.logger.Warn("登记新 agent 失败", slog.Any("error", err), slog.String("agent_vault", vault))
		}
	}

	if req.DepositLots > 0 {
		if err := m.executor.DepositCollaterals(ctx, vault, big.NewInt(req.DepositLots)); err != nil {
			return result, xerrors.Wrap(CodeAgentFunding, err, "存入抵押品失败",
				xerrors.WithAgent(vault),
				xerrors.WithMetadata("stage", "deposit"),
			)
		}
		result.Deposited = true

		if req.MakeAvailable {
			if err := m.executor.MakeAvailable(ctx, vault); err != nil {
				return result, xerrors.Wrap(CodeAgentFunding, err, "agent 上线失败",
					xerrors.WithAgent(vault),
					xerrors.WithMetadata("stage", "make_available"),
				)
			}
			result.Available = true
		}
	} else if req.MakeAvailable {
		m.logger.Warn("未存入抵押品，忽略上线请求", slog.String("agent_vault", vault))
	}

	m.audit.Info("agent created",
		slog.String("agent_vault", vault),
		slog.String("settings_path", result.SettingsPath),
		slog.Int64("deposit_lots", req.DepositLots),
		slog.Bool("available", result.Available),
	)
	return result, nil
}
