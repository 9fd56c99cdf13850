// Package token decodes the short-lived access tokens that the control plane
// issues for tokenized image URLs. A token is the URL-safe base64 of a
// 24-byte nonce followed by a NaCl box sealed with the shared token key.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/box"
)

const nonceSize = 24

var (
	// ErrInvalid 表示 token 无法解码、解密或解析。
	ErrInvalid = errors.New("invalid token")
	// ErrExpired 表示 token 已过期。
	ErrExpired = errors.New("token expired")
	// ErrMismatch 表示 token 授权的章节与请求不符。
	ErrMismatch = errors.New("token not applicable to chapter")
)

// Token 是解密后的 token 内容。
type Token struct {
	Expires  time.Time `json:"expires"`
	IP       string    `json:"ip"`
	Hash     string    `json:"hash"`
	ClientID string    `json:"client_id"`
}

// Key 是控制面下发的预计算共享密钥。
type Key [32]byte

// ParseKey 解码控制面设置中的 base64 token_key。
func ParseKey(encoded string) (Key, error) {
	var key Key
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("decode token key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("token key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Verifier 校验 token；now 可在测试中替换。
type Verifier struct {
	key Key
	now func() time.Time
}

// NewVerifier 使用共享密钥构造 Verifier。
func NewVerifier(key Key) *Verifier {
	return &Verifier{key: key, now: time.Now}
}

// Decode 解码并解密 token，不检查有效期与章节。
func (v *Verifier) Decode(raw string) (Token, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(sealed) < nonceSize+box.Overhead {
		return Token{}, fmt.Errorf("%w: too short", ErrInvalid)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	key := [32]byte(v.key)
	plain, ok := box.OpenAfterPrecomputation(nil, sealed[nonceSize:], &nonce, &key)
	if !ok {
		return Token{}, fmt.Errorf("%w: decryption failed", ErrInvalid)
	}
	var tok Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return tok, nil
}

// Verify 解码 token 并检查有效期以及是否授权 chapterHash。
func (v *Verifier) Verify(raw, chapterHash string) (Token, error) {
	tok, err := v.Decode(raw)
	if err != nil {
		return Token{}, err
	}
	if v.now().After(tok.Expires) {
		return tok, ErrExpired
	}
	if tok.Hash != chapterHash {
		return tok, ErrMismatch
	}
	return tok, nil
}
