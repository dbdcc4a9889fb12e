package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// LoadKey decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadKey(path, passphrase string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chain: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain: read keystore: %w", err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("chain: decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}

// ParseHexKey decodes a raw hex private key, with or without 0x prefix.
func ParseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, errors.New("chain: empty private key")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	return key, nil
}
