package corevault

import (
	xerrors "fasset-qa/internal/errors"
)

const (
	// CodeAgentLookup 对应无法获取 agent 账户状态。
	CodeAgentLookup xerrors.Code = "AGENT_LOOKUP_FAILED"
	// CodeLedgerQuery 对应 core vault 容量或余额查询失败。
	CodeLedgerQuery xerrors.Code = "LEDGER_QUERY_FAILED"
	// CodeAgentExecution 对应转入或返还指令提交失败。
	CodeAgentExecution xerrors.Code = "AGENT_EXECUTION_FAILED"
	// CodeTransferState 对应读取执行中标记失败。
	CodeTransferState xerrors.Code = "TRANSFER_STATE_FAILED"
	// CodeInvalidPolicy 对应阈值或 lot 大小配置非法。
	CodeInvalidPolicy xerrors.Code = "POLICY_INVALID_CONFIG"
)

func init() {
	xerrors.Register(CodeAgentLookup, xerrors.Attributes{
		Message:   "agent state unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerQuery, xerrors.Attributes{
		Message:   "core vault query failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeAgentExecution, xerrors.Attributes{
		Message:   "agent directive submission failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTransferState, xerrors.Attributes{
		Message:   "transfer state unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInvalidPolicy, xerrors.Attributes{
		Message:  "invalid core vault policy",
		Severity: xerrors.SeverityCritical,
		Alert:    false,
	})
}

// wrapCode 在错误外包裹指定错误码。已是同一错误码时不再包裹，只补上缺失的 agent 地址。
func wrapCode(code xerrors.Code, err error, message, agentVault string) error {
	if err == nil {
		return nil
	}
	e, ok := xerrors.From(err)
	if !ok || e.Code() != code {
		return xerrors.Wrap(code, err, message, xerrors.WithAgent(agentVault))
	}
	if agentVault == "" || e.Metadata()[xerrors.MetadataAgentVault] != "" {
		return err
	}
	if direct, ok := err.(*xerrors.Error); ok {
		return direct.With(xerrors.WithAgent(agentVault))
	}
	return xerrors.Wrap(code, err, e.Message(), xerrors.WithAgent(agentVault))
}
