package models

import (
	"fmt"
	"strings"
	"sync"
)

// OpType identifies an operation class on a resource. The set of valid
// types is closed at runtime: the seeded standards below plus anything
// added through RegisterOpType. Free-form strings are rejected at the API
// boundary so a typo cannot silently create an unenforced policy key.
type OpType string

const (
	OpERC20Mint       OpType = "ERC20_MINT"
	OpERC20Burn       OpType = "ERC20_BURN"
	OpERC20Transfer   OpType = "ERC20_TRANSFER"
	OpERC721Mint      OpType = "ERC721_MINT"
	OpERC721Transfer  OpType = "ERC721_TRANSFER"
	OpERC1155Mint     OpType = "ERC1155_MINT"
	OpERC1155Transfer OpType = "ERC1155_TRANSFER"
	OpERC3525Transfer OpType = "ERC3525_TRANSFER"
	OpVaultDeposit    OpType = "ERC4626_DEPOSIT"
	OpVaultWithdraw   OpType = "ERC4626_WITHDRAW"
	OpLiquidation     OpType = "LIQUIDATION"
	OpBorrow          OpType = "BORROW"
)

var (
	opTypeMu    sync.RWMutex
	knownOpType = map[OpType]struct{}{
		OpERC20Mint:       {},
		OpERC20Burn:       {},
		OpERC20Transfer:   {},
		OpERC721Mint:      {},
		OpERC721Transfer:  {},
		OpERC1155Mint:     {},
		OpERC1155Transfer: {},
		OpERC3525Transfer: {},
		OpVaultDeposit:    {},
		OpVaultWithdraw:   {},
		OpLiquidation:     {},
		OpBorrow:          {},
	}
)

func (t OpType) Valid() bool {
	opTypeMu.RLock()
	_, ok := knownOpType[t]
	opTypeMu.RUnlock()
	return ok
}

// RegisterOpType adds a new operation type to the validity table. Names are
// SCREAMING_SNAKE, 3..64 chars. Registering an existing type is a no-op.
func RegisterOpType(raw string) (OpType, error) {
	name := strings.TrimSpace(raw)
	if len(name) < 3 || len(name) > 64 {
		return "", fmt.Errorf("op type %q: length must be 3..64", raw)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return "", fmt.Errorf("op type %q: only A-Z, 0-9 and _ allowed", raw)
	}
	t := OpType(name)
	opTypeMu.Lock()
	knownOpType[t] = struct{}{}
	opTypeMu.Unlock()
	return t, nil
}

// KnownOpTypes returns the current validity table contents.
func KnownOpTypes() []OpType {
	opTypeMu.RLock()
	defer opTypeMu.RUnlock()
	out := make([]OpType, 0, len(knownOpType))
	for t := range knownOpType {
		out = append(out, t)
	}
	return out
}
