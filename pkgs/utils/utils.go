package utils

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ParseAddress decodes a provider's hex staking address, with or without the
// 0x prefix. Unlike common.HexToAddress it rejects malformed input instead of
// silently truncating it, so a typoed address in a config or peer book fails
// loudly at load time.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Errorf("invalid staking address %q", s)
	}
	return common.HexToAddress(s), nil
}
