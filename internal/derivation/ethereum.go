// Package derivation computes on-device key paths and resolves which Ledger
// app signs for a given network.
package derivation

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
)

// EthereumPath returns m/44'/60'/0'/0/index, the only convention used for
// hardware accounts.
func EthereumPath(index uint32) accounts.DerivationPath {
	path := make(accounts.DerivationPath, len(accounts.DefaultBaseDerivationPath))
	copy(path, accounts.DefaultBaseDerivationPath)
	path[len(path)-1] = index
	return path
}

// ParseEthereumPath accepts an override path such as "m/44'/60'/0'/0/3" or
// the legacy Ledger form "m/44'/60'/0'/3".
func ParseEthereumPath(s string) (accounts.DerivationPath, error) {
	path, err := accounts.ParseDerivationPath(s)
	if err != nil {
		return nil, fmt.Errorf("derivation: %w", err)
	}
	if len(path) > 10 {
		return nil, fmt.Errorf("derivation: path %s is too deep", s)
	}
	return path, nil
}

// EncodeEthereumPath serializes a path the way the Ethereum app expects it:
// a component count followed by big-endian u32 components.
func EncodeEthereumPath(path accounts.DerivationPath) []byte {
	out := make([]byte, 1+4*len(path))
	out[0] = byte(len(path))
	for i, component := range path {
		binary.BigEndian.PutUint32(out[1+4*i:], component)
	}
	return out
}
