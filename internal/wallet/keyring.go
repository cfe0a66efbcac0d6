package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/crypto"
)

// Keyring generates custodial keys and opens them transiently for signing.
type Keyring struct {
	masterKey []byte
}

func NewKeyring(masterKey []byte) (*Keyring, error) {
	if len(masterKey) != 32 {
		return nil, crypto.ErrMasterKey
	}
	return &Keyring{masterKey: append([]byte(nil), masterKey...)}, nil
}

// NewRecord creates a record with a fresh secp256k1 key and the given defaults.
func (k *Keyring) NewRecord(userID string, slippage int, defaultBuy string) (*Record, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	sealed, err := k.Seal(key)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &Record{
		UserID:           userID,
		Address:          ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		EncryptedKey:     sealed,
		Slippage:         slippage,
		DefaultBuyAmount: defaultBuy,
		Positions:        []Position{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return rec, rec.Validate()
}

func (k *Keyring) Seal(key *ecdsa.PrivateKey) (string, error) {
	return crypto.EncryptSecret(k.masterKey, hexutil.Encode(ethcrypto.FromECDSA(key)))
}

// Open decrypts the record's key and checks it still matches the stored address.
func (k *Keyring) Open(rec *Record) (*ecdsa.PrivateKey, error) {
	secret, err := crypto.DecryptSecret(k.masterKey, rec.EncryptedKey)
	if err != nil {
		return nil, err
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: stored key is not a secp256k1 key", crypto.ErrDecrypt)
	}
	if ethcrypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(rec.Address) {
		return nil, fmt.Errorf("%w: key does not match address %s", crypto.ErrDecrypt, rec.Address)
	}
	return key, nil
}

// Export returns the 0x-prefixed hex private key for the record.
func (k *Keyring) Export(rec *Record) (string, error) {
	key, err := k.Open(rec)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(ethcrypto.FromECDSA(key)), nil
}
