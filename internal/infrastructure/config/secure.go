package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

// Supported secure-storage algorithms.
const (
	AlgorithmAESGCM = "AES-256-GCM"
	AlgorithmAESCBC = "AES-256-CBC"
)

const (
	// defaultPBKDF2Iterations satisfies the production minimum.
	defaultPBKDF2Iterations = 100_000
	keyLength               = 32
)

// Envelope is the on-disk shape of an encrypted configuration file.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	IV         string `json:"iv"`
	Data       string `json:"data"`
	Iterations int    `json:"iterations,omitempty"`
}

// DecryptFile reads an encrypted config envelope and returns the plaintext
// JSON payload. The key is derived from AUDIT_CONFIG_PASSWORD and
// AUDIT_CONFIG_SALT; a missing password is a ConfigEncryption error.
func DecryptFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigEncryptionError(
			fmt.Sprintf("cannot read encrypted config %s", path)).WithCause(err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewConfigEncryptionError(
			"encrypted config is not a valid envelope").WithCause(err)
	}
	return Decrypt(&env)
}

// Decrypt opens an envelope using the process credentials.
func Decrypt(env *Envelope) ([]byte, error) {
	key, err := derivedKey(env.Iterations)
	if err != nil {
		return nil, err
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, errors.NewConfigEncryptionError("envelope iv is not valid hex").WithCause(err)
	}
	data, err := hex.DecodeString(env.Data)
	if err != nil {
		return nil, errors.NewConfigEncryptionError("envelope data is not valid hex").WithCause(err)
	}

	switch env.Algorithm {
	case AlgorithmAESGCM:
		return decryptGCM(key, iv, data)
	case AlgorithmAESCBC:
		return decryptCBC(key, iv, data)
	default:
		return nil, errors.NewConfigEncryptionError(
			fmt.Sprintf("unsupported algorithm %q", env.Algorithm))
	}
}

// Encrypt seals plaintext into an envelope with the given algorithm.
func Encrypt(plaintext []byte, algorithm string, iterations int) (*Envelope, error) {
	if iterations <= 0 {
		iterations = defaultPBKDF2Iterations
	}
	key, err := derivedKey(iterations)
	if err != nil {
		return nil, err
	}

	switch algorithm {
	case AlgorithmAESGCM:
		return encryptGCM(key, plaintext, iterations)
	case AlgorithmAESCBC:
		return encryptCBC(key, plaintext, iterations)
	default:
		return nil, errors.NewConfigEncryptionError(
			fmt.Sprintf("unsupported algorithm %q", algorithm))
	}
}

// EncryptFile writes an encrypted envelope for plaintext at path.
func EncryptFile(path string, plaintext []byte, algorithm string, iterations int) error {
	env, err := Encrypt(plaintext, algorithm, iterations)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to marshal envelope").WithCause(err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errors.NewConfigEncryptionError(
			fmt.Sprintf("cannot write encrypted config %s", path)).WithCause(err)
	}
	return nil
}

func derivedKey(iterations int) ([]byte, error) {
	password := os.Getenv("AUDIT_CONFIG_PASSWORD")
	if password == "" {
		return nil, errors.NewConfigEncryptionError(
			"AUDIT_CONFIG_PASSWORD is required for secure config storage")
	}
	salt := os.Getenv("AUDIT_CONFIG_SALT")
	if salt == "" {
		return nil, errors.NewConfigEncryptionError(
			"AUDIT_CONFIG_SALT is required for secure config storage")
	}
	if iterations <= 0 {
		iterations = defaultPBKDF2Iterations
	}
	return pbkdf2.Key([]byte(password), []byte(salt), iterations, keyLength, sha256.New), nil
}

func encryptGCM(key, plaintext []byte, iterations int) (*Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewConfigEncryptionError("cipher init failed").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewConfigEncryptionError("gcm init failed").WithCause(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.NewConfigEncryptionError("nonce generation failed").WithCause(err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Algorithm:  AlgorithmAESGCM,
		IV:         hex.EncodeToString(nonce),
		Data:       hex.EncodeToString(sealed),
		Iterations: iterations,
	}, nil
}

func decryptGCM(key, nonce, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewConfigEncryptionError("cipher init failed").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewConfigEncryptionError("gcm init failed").WithCause(err)
	}
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, errors.NewConfigEncryptionError(
			"decryption failed; wrong password or corrupted envelope").WithCause(err)
	}
	return plaintext, nil
}

func encryptCBC(key, plaintext []byte, iterations int) (*Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewConfigEncryptionError("cipher init failed").WithCause(err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.NewConfigEncryptionError("iv generation failed").WithCause(err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return &Envelope{
		Algorithm:  AlgorithmAESCBC,
		IV:         hex.EncodeToString(iv),
		Data:       hex.EncodeToString(ciphertext),
		Iterations: iterations,
	}, nil
}

func decryptCBC(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewConfigEncryptionError("cipher init failed").WithCause(err)
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.NewConfigEncryptionError("envelope iv has wrong length")
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.NewConfigEncryptionError("envelope data has wrong length")
	}

	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.NewConfigEncryptionError("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.NewConfigEncryptionError(
			"decryption failed; wrong password or corrupted envelope")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.NewConfigEncryptionError(
				"decryption failed; wrong password or corrupted envelope")
		}
	}
	return data[:len(data)-padding], nil
}
