package task

import (
	"time"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
)

// Evaluation 保存一次 agent 评估（转入与返还两个方向）的结果。
type Evaluation struct {
	ID         string             `json:"id"`
	AgentVault string             `json:"agent_vault"`
	Transfer   corevault.Decision `json:"-"`
	Return     corevault.Decision `json:"-"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration"`
	Skipped    bool               `json:"skipped,omitempty"`
}

var (
	// ErrEvaluationInFlight 表示同一个 agent 正在被另一个 worker 评估。
	ErrEvaluationInFlight = xerrors.New(CodeEvaluationInFlight, "evaluation already in flight", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeEvaluationValidation xerrors.Code = "EVALUATION_VALIDATION_FAILED"
	CodeEvaluationPublish    xerrors.Code = "EVALUATION_PUBLISH_FAILED"
	CodeEvaluationFailed     xerrors.Code = "EVALUATION_FAILED"
	CodeEvaluationInFlight   xerrors.Code = "EVALUATION_IN_FLIGHT"
)

func init() {
	xerrors.Register(CodeEvaluationValidation, xerrors.Attributes{
		Message:   "evaluation request invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEvaluationPublish, xerrors.Attributes{
		Message:   "failed to publish evaluation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeEvaluationFailed, xerrors.Attributes{
		Message:   "agent evaluation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeEvaluationInFlight, xerrors.Attributes{
		Message:   "evaluation already in flight",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
