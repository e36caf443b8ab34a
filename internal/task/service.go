package task

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "fasset-qa/internal/errors"
	"fasset-qa/pkg/logger"
)

// Service 负责校验 agent 地址并将其投递到评估队列。
type Service struct {
	producer Producer
}

// NewService 构造评估服务。
func NewService(producer Producer) *Service {
	return &Service{producer: producer}
}

// NormalizeVault 校验地址格式并返回 EIP-55 校验和形式。
func NormalizeVault(agentVault string) (string, error) {
	agentVault = strings.TrimSpace(agentVault)
	if !common.IsHexAddress(agentVault) {
		return "", xerrors.New(CodeEvaluationValidation, "agent vault 地址格式不正确", xerrors.WithAgent(agentVault))
	}
	return common.HexToAddress(agentVault).Hex(), nil
}

// Submit 将 agent 推送到评估队列，返回规范化后的地址。
func (s *Service) Submit(ctx context.Context, agentVault string) (string, error) {
	vault, err := NormalizeVault(agentVault)
	if err != nil {
		return "", err
	}
	if s == nil || s.producer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "评估服务未初始化")
	}
	if err := s.producer.Publish(ctx, vault); err != nil {
		logger.L().Error("评估任务入队失败", slog.Any("error", err), slog.String("agent_vault", vault))
		return "", xerrors.Wrap(CodeEvaluationPublish, err, "发布评估任务到队列失败", xerrors.WithAgent(vault))
	}
	return vault, nil
}

// SubmitAll 依次投递多个 agent，跳过非法地址和重复项，返回成功入队的数量。
func (s *Service) SubmitAll(ctx context.Context, vaults []string) (int, error) {
	seen := make(map[string]struct{}, len(vaults))
	published := 0
	for _, raw := range vaults {
		vault, err := NormalizeVault(raw)
		if err != nil {
			logger.L().Warn("忽略非法 agent 地址", slog.String("agent_vault", raw))
			continue
		}
		if _, dup := seen[vault]; dup {
			continue
		}
		seen[vault] = struct{}{}
		if _, err := s.Submit(ctx, vault); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
