package corevault

import (
	"log/slog"
	"time"
)

// Thresholds 是铸造比例的两个阈值。
type Thresholds struct {
	// TransferRatio 以上（严格大于）触发转入 core vault。
	TransferRatio float64
	// ReturnRatio 以下（严格小于）触发从 core vault 返还。
	ReturnRatio float64
}

// DefaultThresholds 返回默认阈值 0.75 / 0.2。
func DefaultThresholds() Thresholds {
	return Thresholds{TransferRatio: 0.75, ReturnRatio: 0.2}
}

// Option 定义 Policy 的可选配置。
type Option func(*Policy)

// WithThresholds 覆盖默认阈值。
func WithThresholds(th Thresholds) Option {
	return func(p *Policy) {
		p.thresholds = th
	}
}

// WithLogger 指定调试与错误日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithAuditLogger 指定决策通知的输出。
func WithAuditLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.audit = logger
		}
	}
}

// WithObserver 配置决策指标观察者。
func WithObserver(observer DecisionObserver) Option {
	return func(p *Policy) {
		p.observer = observer
	}
}

// WithRecorder 配置决策历史记录器。
func WithRecorder(recorder DecisionRecorder) Option {
	return func(p *Policy) {
		p.recorder = recorder
	}
}

// WithGuardedReturns 让返还方向也检查执行中标记，要求状态存储实现 ReturnStateStore。
func WithGuardedReturns(enabled bool) Option {
	return func(p *Policy) {
		p.guardReturns = enabled
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}
