package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address    string
	Password   string
	DB         int
	KeyPrefix  string
	PendingTTL time.Duration
}

// commander 是 store 用到的 go-redis 命令子集。
type commander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// TransferStateStore 以带 TTL 的 key 表示执行中标记。
type TransferStateStore struct {
	client commander
	prefix string
	ttl    time.Duration
}

// NewTransferStateStore 连接 Redis 并返回 store。
func NewTransferStateStore(ctx context.Context, cfg Config) (*TransferStateStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newStore(client, cfg.KeyPrefix, cfg.PendingTTL), nil
}

func newStore(client commander, prefix string, ttl time.Duration) *TransferStateStore {
	if prefix == "" {
		prefix = "fassetqa:corevault"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TransferStateStore{client: client, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl}
}

// IsTransferToCoreVaultPending 实现 corevault.TransferStateStore。
func (s *TransferStateStore) IsTransferToCoreVaultPending(ctx context.Context, agentVault string) (bool, error) {
	return s.exists(ctx, agentVault, corevault.DirectionToCoreVault)
}

// IsReturnFromCoreVaultPending 实现 corevault.ReturnStateStore。
func (s *TransferStateStore) IsReturnFromCoreVaultPending(ctx context.Context, agentVault string) (bool, error) {
	return s.exists(ctx, agentVault, corevault.DirectionFromCoreVault)
}

// BeginTransfer 通过 SETNX 原子地设置转入标记，已存在时返回 false。
func (s *TransferStateStore) BeginTransfer(ctx context.Context, agentVault string) (bool, error) {
	return s.begin(ctx, agentVault, corevault.DirectionToCoreVault)
}

// FinishTransfer 清除转入标记。
func (s *TransferStateStore) FinishTransfer(ctx context.Context, agentVault string) error {
	return s.finish(ctx, agentVault, corevault.DirectionToCoreVault)
}

// BeginReturn 设置返还标记。
func (s *TransferStateStore) BeginReturn(ctx context.Context, agentVault string) (bool, error) {
	return s.begin(ctx, agentVault, corevault.DirectionFromCoreVault)
}

// FinishReturn 清除返还标记。
func (s *TransferStateStore) FinishReturn(ctx context.Context, agentVault string) error {
	return s.finish(ctx, agentVault, corevault.DirectionFromCoreVault)
}

// Close 关闭 Redis 连接。
func (s *TransferStateStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *TransferStateStore) key(agentVault string, dir corevault.Direction) string {
	return s.prefix + ":" + string(dir) + ":" + strings.ToLower(strings.TrimSpace(agentVault))
}

func (s *TransferStateStore) exists(ctx context.Context, agentVault string, dir corevault.Direction) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(agentVault, dir)).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Redis 执行标记失败", xerrors.WithAgent(agentVault))
	}
	return n > 0, nil
}

func (s *TransferStateStore) begin(ctx context.Context, agentVault string, dir corevault.Direction) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(agentVault, dir), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 执行标记失败", xerrors.WithAgent(agentVault))
	}
	return ok, nil
}

func (s *TransferStateStore) finish(ctx context.Context, agentVault string, dir corevault.Direction) error {
	if err := s.client.Del(ctx, s.key(agentVault, dir)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 执行标记失败", xerrors.WithAgent(agentVault))
	}
	return nil
}

var (
	_ corevault.TransferStateStore = (*TransferStateStore)(nil)
	_ corevault.ReturnStateStore   = (*TransferStateStore)(nil)
)
