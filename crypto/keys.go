package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidAddress  = errors.New("crypto: invalid hex address")
	ErrChecksumAddress = errors.New("crypto: address checksum mismatch")
)

// ParseAddress decodes a 0x-prefixed hex address. Mixed-case input must carry
// a valid EIP-55 checksum; all-lower or all-upper input is accepted as is.
func ParseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, value)
	}
	addr := common.HexToAddress(trimmed)
	body := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if addr.Hex()[2:] != body {
			return common.Address{}, fmt.Errorf("%w: %q", ErrChecksumAddress, value)
		}
	}
	return addr, nil
}

// PrivateKey wraps a secp256k1 key used to sign market transactions and
// identify operators.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh secp256k1 key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex decodes a hex private key with or without 0x prefix.
func PrivateKeyFromHex(value string) (*PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the key's EVM account address.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}
