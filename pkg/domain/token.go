package domain

import (
	"time"

	"ciphertoken/pkg/cipher"
)

// Token binds a single-use hash to the cipher it was minted with. Consumed
// only ever moves from false to true.
type Token struct {
	Hash       string           `json:"hash"`
	Algorithm  cipher.Algorithm `json:"algorithm"`
	Shift      *int             `json:"shift,omitempty"`
	Owner      string           `json:"owner"`
	Consumed   bool             `json:"consumed"`
	CreatedAt  time.Time        `json:"created_at"`
	ConsumedAt *time.Time       `json:"consumed_at,omitempty"`
}

// Method rebuilds the cipher variant stored on the token.
func (t *Token) Method() (cipher.Method, error) {
	return cipher.New(t.Algorithm, t.Shift)
}

type EncryptParams struct {
	Owner     string
	Message   string
	Algorithm cipher.Algorithm
	Shift     *int
}
type EncryptResult struct {
	Encrypted string           `json:"encrypted"`
	Hash      string           `json:"hash"`
	Method    cipher.Algorithm `json:"method"`
}
type DecryptParams struct {
	Owner     string
	Encrypted string
	Hash      string
}
type DecryptResult struct {
	Decrypted string           `json:"decrypted"`
	Method    cipher.Algorithm `json:"method"`
}
