package licensing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// envelopeV1 is the first byte of every token and the GCM additional data.
	envelopeV1 byte = 0x01

	// MinSecretSize is the shortest pre-shared secret accepted, in bytes.
	MinSecretSize = 32

	aesKeySize   = 32
	hkdfInfo     = "license-gate token v1"
	maxTokenSize = 64 << 10
)

var tokenEncoding = base64.RawURLEncoding.Strict()

// Codec seals license records into opaque tokens and opens them again.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCodec derives the token key from a pre-shared secret.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidSecret, MinSecretSize, len(secret))
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Codec{aead: aead, rand: rand.Reader}, nil
}

func deriveKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return key, nil
}

// ParseSecret decodes a configured key. Hex and base64 (standard or URL
// alphabet, with or without padding) are accepted; hex is tried first.
func ParseSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSecret)
	}

	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	lastErr := fmt.Errorf("%w: not base64 or hex", ErrInvalidSecret)
	for _, decode := range decoders {
		secret, err := decode(s)
		if err != nil {
			continue
		}
		if len(secret) < MinSecretSize {
			lastErr = fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidSecret, MinSecretSize, len(secret))
			continue
		}
		return secret, nil
	}
	return nil, lastErr
}

// SecretFingerprint identifies a secret in logs without revealing it.
func SecretFingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:8])
}

// Encode seals a record. Every call uses a fresh nonce, so encoding the same
// record twice gives two different tokens.
func (c *Codec) Encode(r Record) (string, error) {
	plaintext, err := marshalPayload(r)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	additional := []byte{envelopeV1}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, envelopeV1)
	out = append(out, nonce...)
	out = c.aead.Seal(out, nonce, plaintext, additional)
	return tokenEncoding.EncodeToString(out), nil
}

// Decode opens a token and parses its payload.
func (c *Codec) Decode(token string) (Record, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Record{}, ErrEmptyToken
	}
	if len(token) > maxTokenSize {
		return Record{}, fmt.Errorf("%w: token exceeds %d bytes", ErrMalformedToken, maxTokenSize)
	}
	// The base64 decoder skips CR and LF, so they would give one envelope
	// many spellings. Accepted tokens must have exactly one.
	if strings.ContainsAny(token, "\r\n") {
		return Record{}, fmt.Errorf("%w: line break in token", ErrMalformedToken)
	}

	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid encoding", ErrMalformedToken)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < 1+nonceSize+c.aead.Overhead() {
		return Record{}, fmt.Errorf("%w: got %d bytes", ErrMalformedToken, len(raw))
	}
	if raw[0] != envelopeV1 {
		return Record{}, fmt.Errorf("%w: unknown envelope 0x%02x", ErrMalformedToken, raw[0])
	}

	nonce := raw[1 : 1+nonceSize]
	sealed := raw[1+nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, []byte{envelopeV1})
	if err != nil {
		return Record{}, ErrAuthFailed
	}

	return unmarshalPayload(plaintext)
}
