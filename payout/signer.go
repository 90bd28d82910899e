package payout

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs broadcast transactions. Implementations wrap a local key or a
// remote KMS; tests inject fakes.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// LocalSigner signs with an in-process secp256k1 key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSigner parses a hex-encoded private key.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("payout: signer key required")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("payout: parse signer key: %w", err)
	}
	return &LocalSigner{key: key, address: gethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's account address.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignTx signs tx for the given chain.
func (s *LocalSigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}
