package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
)

const (
	stateExecuting = "executing"
	stateCleared   = "cleared"

	eventBegin  = "begin"
	eventFinish = "finish"

	mysqlDuplicateEntry = 1062
)

// TransferStateStore 使用 core_vault_transfers 表保存执行中标记。
// 一行对应一个 agent 的一个方向，state 为 executing 且未过期时视为执行中。
type TransferStateStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewTransferStateStore 建立连接池，并在 AutoMigrate 时执行迁移。
func NewTransferStateStore(ctx context.Context, cfg Config) (*TransferStateStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 MySQL 执行标记存储失败")
	}
	if cfg.AutoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
		}
	}
	return newStore(db, cfg.PendingTTL), nil
}

func newStore(db *sql.DB, ttl time.Duration) *TransferStateStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TransferStateStore{db: db, ttl: ttl, now: time.Now}
}

// IsTransferToCoreVaultPending 实现 corevault.TransferStateStore。
func (s *TransferStateStore) IsTransferToCoreVaultPending(ctx context.Context, agentVault string) (bool, error) {
	return s.isPending(ctx, agentVault, corevault.DirectionToCoreVault)
}

// IsReturnFromCoreVaultPending 实现 corevault.ReturnStateStore。
func (s *TransferStateStore) IsReturnFromCoreVaultPending(ctx context.Context, agentVault string) (bool, error) {
	return s.isPending(ctx, agentVault, corevault.DirectionFromCoreVault)
}

// BeginTransfer 标记转入开始，已有未过期的标记时返回 false。
func (s *TransferStateStore) BeginTransfer(ctx context.Context, agentVault string) (bool, error) {
	return s.begin(ctx, agentVault, corevault.DirectionToCoreVault)
}

// FinishTransfer 清除转入标记。
func (s *TransferStateStore) FinishTransfer(ctx context.Context, agentVault string) error {
	return s.finish(ctx, agentVault, corevault.DirectionToCoreVault)
}

// BeginReturn 标记返还开始。
func (s *TransferStateStore) BeginReturn(ctx context.Context, agentVault string) (bool, error) {
	return s.begin(ctx, agentVault, corevault.DirectionFromCoreVault)
}

// FinishReturn 清除返还标记。
func (s *TransferStateStore) FinishReturn(ctx context.Context, agentVault string) error {
	return s.finish(ctx, agentVault, corevault.DirectionFromCoreVault)
}

// Close 关闭连接池。
func (s *TransferStateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *TransferStateStore) isPending(ctx context.Context, agentVault string, dir corevault.Direction) (bool, error) {
	const stmt = `SELECT COUNT(*) FROM core_vault_transfers
        WHERE agent_vault = ? AND direction = ? AND state = ? AND expires_at > ?`

	var count int64
	err := s.db.QueryRowContext(ctx, stmt, normalize(agentVault), string(dir), stateExecuting, s.now().Unix()).Scan(&count)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行标记失败", xerrors.WithAgent(agentVault))
	}
	return count > 0, nil
}

func (s *TransferStateStore) begin(ctx context.Context, agentVault string, dir corevault.Direction) (bool, error) {
	now := s.now()
	vault := normalize(agentVault)
	expires := now.Add(s.ttl).Unix()

	// 已有行但已清除或过期时直接接管。
	const takeover = `UPDATE core_vault_transfers SET state = ?, started_at = ?, expires_at = ?, updated_at = ?
        WHERE agent_vault = ? AND direction = ? AND (state <> ? OR expires_at <= ?)`
	res, err := s.db.ExecContext(ctx, takeover, stateExecuting, now.Unix(), expires, now.Unix(), vault, string(dir), stateExecuting, now.Unix())
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行标记失败", xerrors.WithAgent(agentVault))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logEvent(ctx, vault, dir, eventBegin, now)
		return true, nil
	}

	const insert = `INSERT INTO core_vault_transfers
        (agent_vault, direction, state, started_at, expires_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert, vault, string(dir), stateExecuting, now.Unix(), expires, now.Unix()); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行标记失败", xerrors.WithAgent(agentVault))
	}
	s.logEvent(ctx, vault, dir, eventBegin, now)
	return true, nil
}

func (s *TransferStateStore) finish(ctx context.Context, agentVault string, dir corevault.Direction) error {
	now := s.now()
	vault := normalize(agentVault)
	const stmt = `UPDATE core_vault_transfers SET state = ?, updated_at = ?
        WHERE agent_vault = ? AND direction = ?`
	if _, err := s.db.ExecContext(ctx, stmt, stateCleared, now.Unix(), vault, string(dir)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除执行标记失败", xerrors.WithAgent(agentVault))
	}
	s.logEvent(ctx, vault, dir, eventFinish, now)
	return nil
}

// logEvent 追加审计记录，失败不影响标记本身。
func (s *TransferStateStore) logEvent(ctx context.Context, vault string, dir corevault.Direction, event string, at time.Time) {
	const stmt = `INSERT INTO core_vault_transfer_log (agent_vault, direction, event, created_at) VALUES (?, ?, ?, ?)`
	_, _ = s.db.ExecContext(ctx, stmt, vault, string(dir), event, at.Unix())
}

func normalize(agentVault string) string {
	return strings.ToLower(strings.TrimSpace(agentVault))
}

var (
	_ corevault.TransferStateStore = (*TransferStateStore)(nil)
	_ corevault.ReturnStateStore   = (*TransferStateStore)(nil)
)
