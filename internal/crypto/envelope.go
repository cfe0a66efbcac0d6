package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	kdfName  = "hkdf-sha256:v2"
	algName  = "aes-256-gcm"
	kekInfo  = "wallet-kek"
	keyBytes = 32
)

var (
	// ErrDecrypt reports tampered ciphertext, a wrong master key or a malformed envelope.
	// Callers must abort; no partial plaintext is ever returned alongside it.
	ErrDecrypt = errors.New("crypto: decrypt failed")
	// ErrMasterKey reports a master key of the wrong size.
	ErrMasterKey = errors.New("crypto: master key must be 32 bytes")
)

type envelope struct {
	Ciphertext   string `json:"ciphertext"`
	Nonce        string `json:"nonce"`
	Salt         string `json:"salt"`
	EncRecordKey string `json:"enc_record_key"`
	KDF          string `json:"kdf"`
	Alg          string `json:"alg"`
	Version      int    `json:"v"`
}

// EncryptSecret seals secret under a fresh per-record data key. The data key is itself
// sealed under a key-encryption key derived from masterKey and a random salt.
func EncryptSecret(masterKey []byte, secret string) (string, error) {
	if len(masterKey) != keyBytes {
		return "", ErrMasterKey
	}
	salt, err := randomBytes(16)
	if err != nil {
		return "", err
	}
	recordKey, err := randomBytes(keyBytes)
	if err != nil {
		return "", err
	}
	kek, err := deriveKey(masterKey, salt, kekInfo)
	if err != nil {
		return "", err
	}

	sealed, nonce, err := seal(recordKey, []byte(secret))
	if err != nil {
		return "", err
	}
	encKey, keyNonce, err := seal(kek, recordKey)
	if err != nil {
		return "", err
	}

	body := envelope{
		Ciphertext:   base64.StdEncoding.EncodeToString(sealed),
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		Salt:         base64.StdEncoding.EncodeToString(salt),
		EncRecordKey: base64.StdEncoding.EncodeToString(append(keyNonce, encKey...)),
		KDF:          kdfName,
		Alg:          algName,
		Version:      2,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecryptSecret opens a payload produced by EncryptSecret. Every failure wraps ErrDecrypt.
func DecryptSecret(masterKey []byte, payload string) (string, error) {
	if len(masterKey) != keyBytes {
		return "", ErrMasterKey
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: decode payload: %v", ErrDecrypt, err)
	}
	var body envelope
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("%w: parse payload: %v", ErrDecrypt, err)
	}
	if body.KDF != kdfName || body.Alg != algName {
		return "", fmt.Errorf("%w: unsupported format %s/%s", ErrDecrypt, body.KDF, body.Alg)
	}

	salt, err := base64.StdEncoding.DecodeString(body.Salt)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", ErrDecrypt, err)
	}
	encKey, err := base64.StdEncoding.DecodeString(body.EncRecordKey)
	if err != nil {
		return "", fmt.Errorf("%w: decode record key: %v", ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(body.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: decode nonce: %v", ErrDecrypt, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(body.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrDecrypt, err)
	}

	kek, err := deriveKey(masterKey, salt, kekInfo)
	if err != nil {
		return "", fmt.Errorf("%w: derive key: %v", ErrDecrypt, err)
	}
	recordKey, err := openPrefixed(kek, encKey)
	if err != nil {
		return "", fmt.Errorf("%w: record key: %v", ErrDecrypt, err)
	}
	plaintext, err := open(recordKey, nonce, sealed)
	if err != nil {
		return "", fmt.Errorf("%w: secret: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

// deriveKey is HKDF-SHA256 (RFC 5869) expanded to one AES-256 key.
func deriveKey(master, salt []byte, info string) ([]byte, error) {
	out := make([]byte, keyBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key, plaintext []byte) (sealed, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = randomBytes(gcm.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(key, nonce, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce length")
	}
	return gcm.Open(nil, nonce, sealed, nil)
}

func openPrefixed(key, payload []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize+gcm.Overhead() {
		return nil, errors.New("payload too short")
	}
	return gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
}
