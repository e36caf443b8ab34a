package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "fasset-qa/internal/errors"
)

const (
	vault      = "0x00000000000000000000000000000000000000Cc"
	vaultLower = "0x00000000000000000000000000000000000000cc"

	selectPendingSQL = `SELECT COUNT(*) FROM core_vault_transfers
        WHERE agent_vault = ? AND direction = ? AND state = ? AND expires_at > ?`
	takeoverSQL = `UPDATE core_vault_transfers SET state = ?, started_at = ?, expires_at = ?, updated_at = ?
        WHERE agent_vault = ? AND direction = ? AND (state <> ? OR expires_at <= ?)`
	insertSQL = `INSERT INTO core_vault_transfers
        (agent_vault, direction, state, started_at, expires_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	finishSQL = `UPDATE core_vault_transfers SET state = ?, updated_at = ?
        WHERE agent_vault = ? AND direction = ?`
	logSQL = `INSERT INTO core_vault_transfer_log (agent_vault, direction, event, created_at) VALUES (?, ?, ?, ?)`
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newTestStore(t *testing.T, ops []mockOperation) (*TransferStateStore, *queueDriver) {
	t.Helper()
	db, drv := newMockDB(t, ops)
	store := newStore(db, 10*time.Minute)
	store.now = func() time.Time { return fixedNow }
	return store, drv
}

func TestIsPendingQueriesExecutingRows(t *testing.T) {
	t.Parallel()

	now := fixedNow.Unix()
	store, drv := newTestStore(t, []mockOperation{
		queryOp(selectPendingSQL, mockRowsData{columns: []string{"COUNT(*)"}, values: [][]driver.Value{{int64(1)}}},
			vaultLower, "to_core_vault", "executing", now),
		queryOp(selectPendingSQL, mockRowsData{columns: []string{"COUNT(*)"}, values: [][]driver.Value{{int64(0)}}},
			vaultLower, "from_core_vault", "executing", now),
	})
	defer drv.assertConsumed(t)

	pending, err := store.IsTransferToCoreVaultPending(context.Background(), vault)
	if err != nil || !pending {
		t.Fatalf("expected pending transfer: %v %v", pending, err)
	}
	pending, err = store.IsReturnFromCoreVaultPending(context.Background(), vault)
	if err != nil || pending {
		t.Fatalf("expected no pending return: %v %v", pending, err)
	}
}

func TestBeginTransferInsertsNewRow(t *testing.T) {
	t.Parallel()

	now := fixedNow.Unix()
	expires := fixedNow.Add(10 * time.Minute).Unix()
	store, drv := newTestStore(t, []mockOperation{
		execOp(takeoverSQL, mockResult{rowsAffected: 0},
			"executing", now, expires, now, vaultLower, "to_core_vault", "executing", now),
		execOp(insertSQL, mockResult{rowsAffected: 1},
			vaultLower, "to_core_vault", "executing", now, expires, now),
		execOp(logSQL, mockResult{rowsAffected: 1}, vaultLower, "to_core_vault", "begin", now),
	})
	defer drv.assertConsumed(t)

	ok, err := store.BeginTransfer(context.Background(), vault)
	if err != nil || !ok {
		t.Fatalf("begin transfer: %v %v", ok, err)
	}
}

func TestBeginTransferTakesOverExpiredRow(t *testing.T) {
	t.Parallel()

	store, drv := newTestStore(t, []mockOperation{
		execOp(takeoverSQL, mockResult{rowsAffected: 1}),
		execOp(logSQL, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)

	ok, err := store.BeginTransfer(context.Background(), vault)
	if err != nil || !ok {
		t.Fatalf("begin transfer: %v %v", ok, err)
	}
}

func TestBeginTransferRejectsLiveRow(t *testing.T) {
	t.Parallel()

	store, drv := newTestStore(t, []mockOperation{
		execOp(takeoverSQL, mockResult{rowsAffected: 0}),
		execErrOp(insertSQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	})
	defer drv.assertConsumed(t)

	ok, err := store.BeginTransfer(context.Background(), vault)
	if err != nil || ok {
		t.Fatalf("expected rejection without error: %v %v", ok, err)
	}
}

func TestFinishReturnClearsRow(t *testing.T) {
	t.Parallel()

	now := fixedNow.Unix()
	store, drv := newTestStore(t, []mockOperation{
		execOp(finishSQL, mockResult{rowsAffected: 1}, "cleared", now, vaultLower, "from_core_vault"),
		execOp(logSQL, mockResult{rowsAffected: 1}, vaultLower, "from_core_vault", "finish", now),
	})
	defer drv.assertConsumed(t)

	if err := store.FinishReturn(context.Background(), vault); err != nil {
		t.Fatalf("finish return: %v", err)
	}
}

func TestStorageErrorsAreCoded(t *testing.T) {
	t.Parallel()

	store, drv := newTestStore(t, []mockOperation{
		{typ: opQuery, query: selectPendingSQL, err: errors.New("bad connection")},
	})
	defer drv.assertConsumed(t)

	_, err := store.IsTransferToCoreVaultPending(context.Background(), vault)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
		beginOp(),
		execOp(readMigrationStatement(t, "0002_create_core_vault_transfer_log.sql"), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMigrationFilesAreOrdered(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migrations %+v", files)
	}
}

func readMigrationStatement(t *testing.T, name string) string {
	t.Helper()
	content, err := embeddedMigrations.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	statements := splitSQLStatements(string(content))
	if len(statements) != 1 {
		t.Fatalf("expected one statement in %s, got %d", name, len(statements))
	}
	return statements[0]
}
