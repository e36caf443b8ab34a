package web3

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `
chains:
  coston:
    rpc_url: https://coston-api.flare.network/ext/C/rpc
    asset_manager: "0x0000000000000000000000000000000000000abc"
    description: test network
  songbird:
    type: evm
    rpc_url: https://songbird-api.flare.network/ext/C/rpc
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(defs.Chains))
	}
	if defs.Chains["coston"].AssetManager == "" {
		t.Fatalf("asset manager not parsed")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	t.Parallel()

	defs, err := LoadChainDefinitions("  ")
	if err != nil || defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("unexpected result %+v %v", defs, err)
	}
}

func TestLoadChainDefinitionsRequiresRPC(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  broken:\n    type: evm\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadChainDefinitions(path); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected missing rpc error, got %v", err)
	}
}
