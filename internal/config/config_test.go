package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fassetqa.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
policy:
  lot_size: "1000000"
chain:
  asset_manager: "0x0000000000000000000000000000000000000001"
  abi_path: abi/AssetManager.json
recorder:
  path: history.db
`)
	dir := filepath.Dir(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
	th := cfg.Policy.Thresholds()
	if th.TransferRatio != 0.75 || th.ReturnRatio != 0.2 {
		t.Fatalf("unexpected thresholds %+v", th)
	}
	lot, err := cfg.Policy.LotSizeValue()
	if err != nil || lot.String() != "1000000" {
		t.Fatalf("unexpected lot size %v %v", lot, err)
	}
	if cfg.Chain.ABIPath != filepath.Join(dir, "abi", "AssetManager.json") {
		t.Fatalf("abi path not resolved: %s", cfg.Chain.ABIPath)
	}
	if cfg.Recorder.Path != filepath.Join(dir, "data", "history.db") {
		t.Fatalf("recorder path not resolved: %s", cfg.Recorder.Path)
	}
	if cfg.AgentBot.Command != "yarn" || len(cfg.AgentBot.Args) != 1 || cfg.AgentBot.Args[0] != "agent-bot" {
		t.Fatalf("unexpected agent bot defaults %+v", cfg.AgentBot)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 4 || cfg.TransferState.Driver != "memory" {
		t.Fatalf("unexpected backend defaults")
	}
	if cfg.Scheduler.Spec != "@every 1m" || !cfg.SchedulerEnabled() {
		t.Fatalf("unexpected scheduler defaults %+v", cfg.Scheduler)
	}
	if cfg.TransferState.PendingTTL != 30*time.Minute {
		t.Fatalf("unexpected pending ttl %s", cfg.TransferState.PendingTTL)
	}
}

func TestZeroReturnRatioIsKept(t *testing.T) {
	path := writeConfig(t, `
policy:
  lot_size: "10"
  transfer_ratio: 0.9
  return_ratio: 0
  guard_returns: true
scheduler:
  enabled: false
  agents: ["0xabc"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	th := cfg.Policy.Thresholds()
	if th.TransferRatio != 0.9 || th.ReturnRatio != 0 {
		t.Fatalf("unexpected thresholds %+v", th)
	}
	if !cfg.Policy.GuardReturns || cfg.SchedulerEnabled() {
		t.Fatalf("flags not parsed: %+v %+v", cfg.Policy, cfg.Scheduler)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvRPCURL, "http://node.example:9650/ext/C/rpc")
	t.Setenv(EnvRedisPassword, "s3cret")
	t.Setenv(EnvMySQLDSN, "user:pass@tcp(db:3306)/fasset")
	t.Setenv(EnvAPIToken, "ops-secret")

	path := writeConfig(t, `
policy:
  lot_size: "1"
chain:
  rpc_url: http://localhost:8545
transfer_state:
  driver: mysql
queue:
  driver: redis
  redis:
    address: localhost:6379
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.RPCURL != "http://node.example:9650/ext/C/rpc" {
		t.Fatalf("rpc url not overridden: %s", cfg.Chain.RPCURL)
	}
	if cfg.Queue.Redis.Password != "s3cret" || cfg.TransferState.Redis.Password != "s3cret" {
		t.Fatalf("redis password not overridden")
	}
	if cfg.TransferState.MySQL.DSN != "user:pass@tcp(db:3306)/fasset" {
		t.Fatalf("mysql dsn not overridden: %s", cfg.TransferState.MySQL.DSN)
	}
	if len(cfg.Server.Tokens) != 1 || cfg.Server.Tokens[0].Token != "ops-secret" || cfg.Server.Tokens[0].Permissions[0] != "*" {
		t.Fatalf("api token not appended: %+v", cfg.Server.Tokens)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{name: "missing lot size", content: "policy: {}", want: "lot_size"},
		{name: "negative lot size", content: `policy: {lot_size: "-5"}`, want: "lot_size"},
		{name: "inverted thresholds", content: `policy: {lot_size: "1", transfer_ratio: 0.1, return_ratio: 0.5}`, want: "policy"},
		{name: "unknown state driver", content: `{policy: {lot_size: "1"}, transfer_state: {driver: etcd}}`, want: "etcd"},
		{name: "redis without address", content: `{policy: {lot_size: "1"}, transfer_state: {driver: redis}}`, want: "redis.address"},
		{name: "rabbitmq without url", content: `{policy: {lot_size: "1"}, queue: {driver: rabbitmq}}`, want: "rabbitmq.url"},
		{name: "bad cron spec", content: `{policy: {lot_size: "1"}, scheduler: {spec: "every minute"}}`, want: "scheduler.spec"},
	}
	for _, tc := range cases {
		_, err := Parse([]byte(tc.content), t.TempDir())
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestDisabledSchedulerSkipsSpecCheck(t *testing.T) {
	if _, err := Parse([]byte(`{policy: {lot_size: "1"}, scheduler: {enabled: false, spec: "every minute"}}`), t.TempDir()); err != nil {
		t.Fatalf("disabled scheduler spec should not be validated: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("unexpected default path %s", got)
	}
	t.Setenv(EnvConfigPath, "/etc/fassetqa.yaml")
	if got := ResolvePath(""); got != "/etc/fassetqa.yaml" {
		t.Fatalf("env path ignored: %s", got)
	}
	if got := ResolvePath("local.yaml"); got != "local.yaml" {
		t.Fatalf("flag path ignored: %s", got)
	}
}

func TestLoggerConfigMapping(t *testing.T) {
	cfg, err := Parse([]byte(`
policy: {lot_size: "1"}
log:
  level: debug
  outputs: [stdout]
  audit:
    enabled: true
    max_backups: 3
`), "/srv/fassetqa")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	lc := cfg.Log.LoggerConfig()
	if lc.Level != "debug" || len(lc.OutputPaths) != 1 || !lc.Audit.Enabled || lc.Audit.MaxBackups != 3 {
		t.Fatalf("unexpected logger config %+v", lc)
	}
	if lc.Audit.Path != filepath.Join("/srv/fassetqa", "data", "audit.log") {
		t.Fatalf("unexpected audit path %s", lc.Audit.Path)
	}
}
