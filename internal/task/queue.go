package task

import (
	"context"
)

// Handler 处理来自消息队列的 agent vault 地址。
type Handler func(ctx context.Context, agentVault string) error

// Producer 负责向队列投递待评估的 agent。
type Producer interface {
	Publish(ctx context.Context, agentVault string) error
	Close() error
}

// Consumer 负责从队列中消费待评估的 agent。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
