package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
	"fasset-qa/pkg/logger"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists decision history to a SQLite database.
type SQLiteRecorder struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sqlite path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create recorder directory")
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open sqlite")
	}
	// single connection serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "set WAL mode")
	}

	r := &SQLiteRecorder{db: db, logger: logger.Named("recorder")}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate sqlite recorder")
	}

	r.logger.Info("sqlite recorder opened", slog.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			decided_at   INTEGER NOT NULL,
			agent_vault  TEXT NOT NULL,
			direction    TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			minted_ratio TEXT,
			amount_uba   TEXT,
			lots         TEXT,
			error        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(decided_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_vault)`,

		`CREATE TABLE IF NOT EXISTS agents (
			agent_vault   TEXT PRIMARY KEY,
			settings_path TEXT,
			created_at    INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// RecordDecision stores one policy decision.
func (r *SQLiteRecorder) RecordDecision(ctx context.Context, d corevault.Decision) error {
	rec := NewDecisionRecord(d)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO decisions (decided_at, agent_vault, direction, outcome, minted_ratio, amount_uba, lots, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DecidedAt.UnixMilli(), rec.AgentVault, rec.Direction, rec.Outcome,
		nullable(rec.MintedRatio), nullable(rec.AmountUBA), nullable(rec.Lots), nullable(rec.Error),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record decision", xerrors.WithAgent(rec.AgentVault))
	}
	return nil
}

// ListDecisions returns the most recent decisions, newest first.
func (r *SQLiteRecorder) ListDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, decided_at, agent_vault, direction, outcome, minted_ratio, amount_uba, lots, error
		 FROM decisions ORDER BY decided_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query decisions")
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var (
			rec                             DecisionRecord
			decidedAt                       int64
			ratio, amount, lots, errMessage sql.NullString
		)
		if err := rows.Scan(&rec.ID, &decidedAt, &rec.AgentVault, &rec.Direction, &rec.Outcome,
			&ratio, &amount, &lots, &errMessage); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan decision")
		}
		rec.DecidedAt = time.UnixMilli(decidedAt).UTC()
		rec.MintedRatio = ratio.String
		rec.AmountUBA = amount.String
		rec.Lots = lots.String
		rec.Error = errMessage.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate decisions")
	}
	return out, nil
}

// RecordAgent remembers an agent vault so scheduled evaluations include it.
// Recording the same vault twice keeps the first creation time.
func (r *SQLiteRecorder) RecordAgent(ctx context.Context, agentVault, settingsPath string) error {
	agentVault = strings.TrimSpace(agentVault)
	if agentVault == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent vault is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (agent_vault, settings_path, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_vault) DO UPDATE SET settings_path = excluded.settings_path`,
		agentVault, settingsPath, time.Now().UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record agent", xerrors.WithAgent(agentVault))
	}
	return nil
}

// Agents lists recorded agent vaults in creation order.
func (r *SQLiteRecorder) Agents(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT agent_vault FROM agents ORDER BY created_at ASC, agent_vault ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query agents")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var vault string
		if err := rows.Scan(&vault); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan agent")
		}
		out = append(out, vault)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate agents")
	}
	return out, nil
}

// Close closes the underlying database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
