package ethereum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// DefaultAssetManagerABI covers the asset manager views read by Ledger.
const DefaultAssetManagerABI = `[
  {"type":"function","name":"getAgentInfo","stateMutability":"view",
   "inputs":[{"name":"_agentVault","type":"address"}],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"mintedUBA","type":"uint256"},
     {"name":"freeCollateralLots","type":"uint256"}]}]},
  {"type":"function","name":"maximumTransferToCoreVault","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"_minimumLeftAmountUBA","type":"uint256"},{"name":"_maximumTransferUBA","type":"uint256"}]},
  {"type":"function","name":"coreVaultAvailableAmount","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"_immediatelyAvailableUBA","type":"uint256"},{"name":"_totalAvailableUBA","type":"uint256"}]}
]`

const (
	methodAgentInfo        = "getAgentInfo"
	methodMaximumTransfer  = "maximumTransferToCoreVault"
	methodCoreVaultBalance = "coreVaultAvailableAmount"
)

// LoadABI reads an ABI from a bare JSON array or a hardhat artifact with an
// "abi" field. An empty path yields DefaultAssetManagerABI.
func LoadABI(path string) (abi.ABI, error) {
	if strings.TrimSpace(path) == "" {
		return ParseABI([]byte(DefaultAssetManagerABI))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("读取 ABI 文件失败: %w", err)
	}
	return ParseABI(content)
}

// ParseABI parses ABI JSON and checks that the views used by Ledger exist.
func ParseABI(content []byte) (abi.ABI, error) {
	raw := bytes.TrimSpace(content)
	if len(raw) > 0 && raw[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(raw, &artifact); err != nil {
			return abi.ABI{}, fmt.Errorf("解析合约 artifact 失败: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return abi.ABI{}, fmt.Errorf("合约 artifact 缺少 abi 字段")
		}
		raw = artifact.ABI
	}

	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	for _, name := range []string{methodAgentInfo, methodMaximumTransfer, methodCoreVaultBalance} {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("ABI 缺少方法 %s", name)
		}
	}
	return parsed, nil
}
