// Package corevault decides when an agent vault should move collateral into
// the core vault and when core vault funds should return to it. The Policy
// reads agent state from an AssetLedger, consults a TransferStateStore to avoid
// duplicate transfers, and hands the resulting lot counts to an AgentExecutor.
package corevault
