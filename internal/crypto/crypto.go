// Package crypto 负责用户API密钥的加密存储。
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize 是 AES-256 所需的密钥长度
	KeySize = 32
	// Prefix 标记已加密的值: ENC[v1]:base64(nonce+ciphertext)
	Prefix = "ENC[v1]:"

	hkdfSalt = "telegram-grid-bot/credentials"
	hkdfInfo = "aes-256-gcm"
)

var (
	ErrMissingKey        = errors.New("encryption key is empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor 使用 AES-256-GCM 加解密字符串
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor 从配置的密钥创建加密器。
// 密钥若是32字节的 base64 编码则直接使用，否则通过 HKDF-SHA256 派生。
func NewEncryptor(secret string) (*Encryptor, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingKey
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

func deriveKey(secret string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == KeySize {
		return raw, nil
	}
	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateKey 生成一个新的随机密钥 (base64)，可直接作为 DATA_ENCRYPTION_KEY 使用
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt 加密明文；空字符串保持为空
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密 Encrypt 的输出
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !IsEncrypted(ciphertext) {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted 判断值是否带有加密前缀
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Mask 隐藏密钥中间部分，只保留首尾各4位
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
