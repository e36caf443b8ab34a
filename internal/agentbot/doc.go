// Package agentbot 通过 FAsset agent bot 命令行提交 agent 操作，实现 corevault.AgentExecutor。
package agentbot
