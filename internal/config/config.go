package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"fasset-qa/internal/corevault"
	"fasset-qa/pkg/logger"
)

const (
	// EnvConfigPath 指定配置文件路径。
	EnvConfigPath = "FASSETQA_CONFIG"
	// EnvRPCURL 覆盖链 RPC 地址。
	EnvRPCURL = "FASSETQA_RPC_URL"
	// EnvRedisPassword 覆盖执行标记与队列使用的 Redis 密码。
	EnvRedisPassword = "FASSETQA_REDIS_PASSWORD"
	// EnvMySQLDSN 覆盖执行标记使用的 MySQL DSN。
	EnvMySQLDSN = "FASSETQA_MYSQL_DSN"
	// EnvAPIToken 追加一个拥有全部权限的管理接口 token。
	EnvAPIToken = "FASSETQA_API_TOKEN"

	// DefaultPath 是未指定时使用的配置文件路径。
	DefaultPath = "configs/fassetqa.yaml"
)

// Config 描述了 fassetqa 在启动阶段需要加载的全部配置。
type Config struct {
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Log           LogConfig           `yaml:"log"`
	Policy        PolicyConfig        `yaml:"policy"`
	Chain         ChainConfig         `yaml:"chain"`
	AgentBot      AgentBotConfig      `yaml:"agent_bot"`
	TransferState TransferStateConfig `yaml:"transfer_state"`
	Queue         QueueConfig         `yaml:"queue"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Server        ServerConfig        `yaml:"server"`
	Alerting      AlertingConfig      `yaml:"alerting"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LogConfig 控制应用日志与决策审计日志。
type LogConfig struct {
	Level   string         `yaml:"level"`
	Format  string         `yaml:"format"`
	Outputs []string       `yaml:"outputs"`
	Audit   AuditLogConfig `yaml:"audit"`
}

// AuditLogConfig 描述决策通知的滚动日志文件。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// PolicyConfig 描述决策策略的阈值与 lot 大小。
type PolicyConfig struct {
	// LotSize 为十进制整数字符串，单位 UBA。
	LotSize       string   `yaml:"lot_size"`
	TransferRatio *float64 `yaml:"transfer_ratio"`
	ReturnRatio   *float64 `yaml:"return_ratio"`
	GuardReturns  bool     `yaml:"guard_returns"`
}

// ChainConfig 包含访问资产管理合约所需的信息。
type ChainConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	ChainConfig  string        `yaml:"chain_config"`
	DefaultChain string        `yaml:"default_chain"`
	AssetManager string        `yaml:"asset_manager"`
	ABIPath      string        `yaml:"abi_path"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

// AgentBotConfig 描述调用 agent bot 命令行的方式。
type AgentBotConfig struct {
	Command    string        `yaml:"command"`
	Args       []string      `yaml:"args"`
	FAsset     string        `yaml:"fasset"`
	WorkingDir string        `yaml:"working_dir"`
	Env        []string      `yaml:"env"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TransferStateConfig 选择执行中标记的存储后端。
type TransferStateConfig struct {
	Driver     string        `yaml:"driver"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
	MySQL      MySQLConfig   `yaml:"mysql"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// QueueConfig 描述评估队列。
type QueueConfig struct {
	Driver   string           `yaml:"driver"`
	Buffer   int              `yaml:"buffer"`
	Workers  int              `yaml:"workers"`
	Timeout  time.Duration    `yaml:"timeout"`
	Redis    RedisQueueConfig `yaml:"redis"`
	RabbitMQ RabbitMQConfig   `yaml:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列。
type RedisQueueConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// SchedulerConfig 描述定时评估。
type SchedulerConfig struct {
	Enabled *bool    `yaml:"enabled"`
	Spec    string   `yaml:"spec"`
	Agents  []string `yaml:"agents"`
}

// RecorderConfig 描述决策历史存储，Path 为空时不记录。
type RecorderConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig 控制管理 API 的监听地址。
type ServerConfig struct {
	Address         string           `yaml:"address"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Tokens          []APITokenConfig `yaml:"tokens"`
}

// APITokenConfig 描述一个管理接口 token，未配置任何 token 时接口不做认证。
type APITokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	Permissions []string `yaml:"permissions"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	Log     bool          `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig 描述通用 webhook。
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// ResolvePath 按 命令行参数、环境变量、默认路径 的顺序确定配置文件。
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvRPCURL)); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.TransferState.Redis.Password = v
		c.Queue.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMySQLDSN)); v != "" {
		c.TransferState.MySQL.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIToken)); v != "" {
		c.Server.Tokens = append(c.Server.Tokens, APITokenConfig{Name: "env", Token: v, Permissions: []string{"*"}})
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled {
		c.Log.Audit.Path = resolve(c.Runtime.DataDir, c.Log.Audit.Path, "audit.log")
	}

	defaults := corevault.DefaultThresholds()
	if c.Policy.TransferRatio == nil {
		c.Policy.TransferRatio = &defaults.TransferRatio
	}
	if c.Policy.ReturnRatio == nil {
		c.Policy.ReturnRatio = &defaults.ReturnRatio
	}

	if c.Chain.CallTimeout <= 0 {
		c.Chain.CallTimeout = 10 * time.Second
	}
	if c.Chain.ChainConfig != "" && !filepath.IsAbs(c.Chain.ChainConfig) {
		c.Chain.ChainConfig = filepath.Join(baseDir, c.Chain.ChainConfig)
	}
	if c.Chain.ABIPath != "" && !filepath.IsAbs(c.Chain.ABIPath) {
		c.Chain.ABIPath = filepath.Join(baseDir, c.Chain.ABIPath)
	}

	if c.AgentBot.Command == "" {
		c.AgentBot.Command = "yarn"
		if len(c.AgentBot.Args) == 0 {
			c.AgentBot.Args = []string{"agent-bot"}
		}
	}
	if c.AgentBot.Timeout <= 0 {
		c.AgentBot.Timeout = 5 * time.Minute
	}
	if c.AgentBot.WorkingDir == "" {
		c.AgentBot.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.AgentBot.WorkingDir) {
		c.AgentBot.WorkingDir = filepath.Join(baseDir, c.AgentBot.WorkingDir)
	}

	if c.TransferState.Driver == "" {
		c.TransferState.Driver = "memory"
	}
	if c.TransferState.PendingTTL <= 0 {
		c.TransferState.PendingTTL = 30 * time.Minute
	}
	if c.TransferState.Redis.KeyPrefix == "" {
		c.TransferState.Redis.KeyPrefix = "fassetqa:corevault"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Timeout <= 0 {
		c.Queue.Timeout = 2 * time.Minute
	}

	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = "@every 1m"
	}
	if c.Scheduler.Enabled == nil {
		enabled := true
		c.Scheduler.Enabled = &enabled
	}

	if c.Recorder.Path != "" && c.Recorder.Path != ":memory:" && !filepath.IsAbs(c.Recorder.Path) {
		c.Recorder.Path = filepath.Join(c.Runtime.DataDir, c.Recorder.Path)
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Alerting.Webhook.Timeout <= 0 {
		c.Alerting.Webhook.Timeout = 5 * time.Second
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return filepath.Join(baseDir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 校验策略与后端选择是否合法。
func (c *Config) Validate() error {
	if _, err := c.Policy.LotSizeValue(); err != nil {
		return err
	}
	if err := c.Policy.Thresholds().Validate(); err != nil {
		return fmt.Errorf("policy 配置非法: %w", err)
	}

	switch c.TransferState.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.TransferState.Redis.Address) == "" {
			return errors.New("transfer_state.redis.address 不能为空")
		}
	case "mysql":
		if strings.TrimSpace(c.TransferState.MySQL.DSN) == "" {
			return errors.New("transfer_state.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的执行标记存储: %s", c.TransferState.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Address) == "" {
			return errors.New("queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return errors.New("queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的队列类型: %s", c.Queue.Driver)
	}

	if c.SchedulerEnabled() {
		if _, err := cron.ParseStandard(c.Scheduler.Spec); err != nil {
			return fmt.Errorf("scheduler.spec 非法 %q: %w", c.Scheduler.Spec, err)
		}
	}
	return nil
}

// LotSizeValue 将 lot_size 解析为正整数。
func (p PolicyConfig) LotSizeValue() (*big.Int, error) {
	raw := strings.TrimSpace(p.LotSize)
	if raw == "" {
		return nil, errors.New("policy.lot_size 不能为空")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("policy.lot_size 必须为正整数: %q", raw)
	}
	return v, nil
}

// Thresholds 返回策略阈值，未填写的字段使用默认值。
func (p PolicyConfig) Thresholds() corevault.Thresholds {
	th := corevault.DefaultThresholds()
	if p.TransferRatio != nil {
		th.TransferRatio = *p.TransferRatio
	}
	if p.ReturnRatio != nil {
		th.ReturnRatio = *p.ReturnRatio
	}
	return th
}

// LoggerConfig 转换为 logger 包的配置。
func (l LogConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: l.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    l.Audit.Enabled,
			Path:       l.Audit.Path,
			MaxSizeMB:  l.Audit.MaxSizeMB,
			MaxBackups: l.Audit.MaxBackups,
			MaxAgeDays: l.Audit.MaxAgeDays,
			Compress:   l.Audit.Compress,
		},
	}
}

// SchedulerEnabled 判断是否启动定时评估。
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}
