package agentbot

import (
	"bytes"
	"context"
	"log/slog"
	"math/big"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
	"fasset-qa/pkg/logger"
)

// agent bot 子命令。
const (
	cmdCreate              = "create"
	cmdDepositCollaterals  = "depositCollaterals"
	cmdMakeAvailable       = "enter"
	cmdTransferToCoreVault = "transferToCoreVault"
	cmdReturnFromCoreVault = "returnFromCoreVault"
)

const (
	// CodeCreateOutput 表示无法从 create 输出中解析 agent vault 地址。
	CodeCreateOutput xerrors.Code = "AGENT_CREATE_OUTPUT_INVALID"
)

func init() {
	xerrors.Register(CodeCreateOutput, xerrors.Attributes{
		Message:  "agent vault address missing from create output",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

var (
	createdPattern = regexp.MustCompile(`(?i)agent\s+(0x[0-9a-f]{40})\s+was\s+created`)
	addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)
)

// TransferTracker 记录 core vault 操作的执行中标记，由状态存储实现。
type TransferTracker interface {
	BeginTransfer(ctx context.Context, agentVault string) (bool, error)
	FinishTransfer(ctx context.Context, agentVault string) error
	BeginReturn(ctx context.Context, agentVault string) (bool, error)
	FinishReturn(ctx context.Context, agentVault string) error
}

// Config 描述 agent bot 命令行的调用方式。
type Config struct {
	Command    string
	Args       []string
	FAsset     string
	WorkingDir string
	Env        []string
	Timeout    time.Duration
}

// runFunc 执行一次命令并返回标准输出与标准错误。
type runFunc func(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr []byte, err error)

// CLI 通过 os/exec 调用 agent bot。
type CLI struct {
	cfg     Config
	tracker TransferTracker
	logger  *slog.Logger
	run     runFunc
}

var _ corevault.AgentExecutor = (*CLI)(nil)

// Option 定义 CLI 的可选配置。
type Option func(*CLI)

// WithTracker 在提交转入或返还前设置执行中标记，提交失败时清除。
func WithTracker(tracker TransferTracker) Option {
	return func(c *CLI) {
		c.tracker = tracker
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(c *CLI) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCLI 创建 agent bot 客户端。
func NewCLI(cfg Config, opts ...Option) (*CLI, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未指定 agent bot 命令")
	}
	if strings.TrimSpace(cfg.FAsset) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未指定 fasset 符号")
	}
	c := &CLI{
		cfg:    cfg,
		logger: logger.Named("agentbot"),
		run:    runCommand,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// CreateAgent 按设置文件创建 agent，返回新的 agent vault 地址。
func (c *CLI) CreateAgent(ctx context.Context, settingsPath string) (string, error) {
	if strings.TrimSpace(settingsPath) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "agent 设置文件路径不能为空")
	}
	stdout, err := c.invoke(ctx, "", cmdCreate, settingsPath)
	if err != nil {
		return "", err
	}
	vault := ParseAgentVault(stdout)
	if vault == "" {
		return "", xerrors.New(CodeCreateOutput, "未能从 create 输出中解析 agent vault 地址",
			xerrors.WithMetadata("settings_path", settingsPath),
			xerrors.WithMetadata("output", truncate(string(stdout), 512)),
		)
	}
	c.logger.Info("agent 已创建", slog.String("agent_vault", vault), slog.String("settings_path", settingsPath))
	return vault, nil
}

// DepositCollaterals 为指定数量的 lot 存入抵押品。
func (c *CLI) DepositCollaterals(ctx context.Context, agentVault string, lots *big.Int) error {
	_, err := c.invoke(ctx, agentVault, cmdDepositCollaterals, agentVault, lotsArg(lots))
	return err
}

// MakeAvailable 让 agent 进入可铸造列表。
func (c *CLI) MakeAvailable(ctx context.Context, agentVault string) error {
	_, err := c.invoke(ctx, agentVault, cmdMakeAvailable, agentVault)
	return err
}

// TransferToCoreVault 提交转入 core vault 的指令。执行中标记在提交成功后保留，直到过期。
func (c *CLI) TransferToCoreVault(ctx context.Context, agentVault string, lots *big.Int) error {
	var begin func(context.Context, string) (bool, error)
	var finish func(context.Context, string) error
	if c.tracker != nil {
		begin, finish = c.tracker.BeginTransfer, c.tracker.FinishTransfer
	}
	return c.tracked(ctx, agentVault, begin, finish, cmdTransferToCoreVault, agentVault, lotsArg(lots))
}

// ReturnFromCoreVault 提交从 core vault 返还的指令。
func (c *CLI) ReturnFromCoreVault(ctx context.Context, agentVault string, lots *big.Int) error {
	var begin func(context.Context, string) (bool, error)
	var finish func(context.Context, string) error
	if c.tracker != nil {
		begin, finish = c.tracker.BeginReturn, c.tracker.FinishReturn
	}
	return c.tracked(ctx, agentVault, begin, finish, cmdReturnFromCoreVault, agentVault, lotsArg(lots))
}

func (c *CLI) tracked(ctx context.Context, agentVault string,
	begin func(context.Context, string) (bool, error),
	finish func(context.Context, string) error,
	args ...string,
) error {
	if begin == nil {
		_, err := c.invoke(ctx, agentVault, args...)
		return err
	}
	ok, err := begin(ctx, agentVault)
	if err != nil {
		return err
	}
	if !ok {
		// 与其他实例竞争失败属于正常情况，不触发告警。
		return xerrors.New(corevault.CodeAgentExecution, "已有同方向的 core vault 操作在执行",
			xerrors.WithAgent(agentVault),
			xerrors.WithMetadata("reason", "pending"),
			xerrors.WithSeverity(xerrors.SeverityInfo),
			xerrors.WithAlert(false),
		)
	}
	if _, err := c.invoke(ctx, agentVault, args...); err != nil {
		// 提交失败时清除标记，下一轮可以重新评估。
		if clearErr := finish(context.WithoutCancel(ctx), agentVault); clearErr != nil {
			c.logger.Error("清除执行中标记失败",
				slog.Any("error", clearErr),
				slog.String("agent_vault", agentVault),
				slog.String("command", args[0]),
			)
		}
		return err
	}
	return nil
}

func (c *CLI) invoke(ctx context.Context, agentVault string, args ...string) ([]byte, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	full := make([]string, 0, len(c.cfg.Args)+len(args)+2)
	full = append(full, c.cfg.Args...)
	full = append(full, "--fasset", c.cfg.FAsset)
	full = append(full, args...)

	started := time.Now()
	stdout, stderr, err := c.run(ctx, c.cfg.WorkingDir, c.cfg.Env, c.cfg.Command, full...)
	attrs := []any{
		slog.String("command", args[0]),
		slog.String("agent_vault", agentVault),
		slog.Duration("duration", time.Since(started)),
	}
	if err != nil {
		code := corevault.CodeAgentExecution
		if ctx.Err() != nil {
			code = xerrors.CodeTimeout
		}
		c.logger.Error("agent bot 执行失败", append(attrs, slog.Any("error", err))...)
		return stdout, xerrors.Wrap(code, err, "agent bot 执行失败",
			xerrors.WithAgent(agentVault),
			xerrors.WithMetadata("command", args[0]),
			xerrors.WithMetadata("stderr", truncate(strings.TrimSpace(string(stderr)), 1024)),
		)
	}
	c.logger.Info("agent bot 执行完成", attrs...)
	return stdout, nil
}

func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, []byte, error) {
	command := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		command.Dir = dir
	}
	if len(env) > 0 {
		command.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	err := command.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ParseAgentVault 从 create 输出中提取 agent vault 地址，优先匹配 "Agent 0x... was created"，否则取最后一个地址。
func ParseAgentVault(output []byte) string {
	if m := createdPattern.FindSubmatch(output); m != nil {
		return string(m[1])
	}
	all := addressPattern.FindAll(output, -1)
	if len(all) == 0 {
		return ""
	}
	return string(all[len(all)-1])
}

func lotsArg(lots *big.Int) string {
	if lots == nil {
		return "0"
	}
	return lots.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
