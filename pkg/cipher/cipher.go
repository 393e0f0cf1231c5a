// Package cipher holds the classical cipher variants a token can be minted with.
// The set is closed: every variant is a concrete type in this package and
// New is the only constructor that maps a name onto one.
package cipher

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"
)

type Algorithm string

const (
	Caesar Algorithm = "caesar"
	ROT13  Algorithm = "rot13"
	Base64 Algorithm = "base64"
	Atbash Algorithm = "atbash"
)

const caesarAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	ErrUnknownAlgorithm = errors.New("unknown cipher method")
	ErrShiftRequired    = errors.New("shift must be an integer")
	ErrInvalidBase64    = errors.New("invalid base64 string")
)

// Method is a forward/inverse transform pair. Only Base64Cipher can fail on
// the inverse.
type Method interface {
	Algorithm() Algorithm
	Encrypt(text string) string
	Decrypt(text string) (string, error)
	// Shift is the stored parameter; nil for variants without one.
	Shift() *int
	sealed()
}

type CaesarCipher struct {
	N int
}
type ROT13Cipher struct{}
type Base64Cipher struct{}
type AtbashCipher struct{}

// New builds the variant named by alg. shift is required for caesar and
// ignored otherwise.
func New(alg Algorithm, shift *int) (Method, error) {
	switch alg {
	case Caesar:
		if shift == nil {
			return nil, ErrShiftRequired
		}
		return CaesarCipher{N: *shift}, nil
	case ROT13:
		return ROT13Cipher{}, nil
	case Base64:
		return Base64Cipher{}, nil
	case Atbash:
		return AtbashCipher{}, nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// Parse resolves a wire name. An empty name selects caesar.
func Parse(name string) (Algorithm, error) {
	if name == "" {
		return Caesar, nil
	}
	alg := Algorithm(name)
	switch alg {
	case Caesar, ROT13, Base64, Atbash:
		return alg, nil
	}
	return "", ErrUnknownAlgorithm
}

func (c CaesarCipher) Algorithm() Algorithm { return Caesar }
func (c CaesarCipher) Shift() *int {
	n := c.N
	return &n
}
func (c CaesarCipher) Encrypt(text string) string {
	return caesarShift(text, c.N)
}
func (c CaesarCipher) Decrypt(text string) (string, error) {
	// reduce before negating; -math.MinInt64 overflows
	return caesarShift(text, -(c.N % len(caesarAlphabet))), nil
}
func (CaesarCipher) sealed() {}

func caesarShift(text string, shift int) string {
	n := len(caesarAlphabet)
	k := ((shift % n) + n) % n
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		idx := strings.IndexRune(caesarAlphabet, r)
		if idx < 0 {
			b.WriteRune(r)
			continue
		}
		b.WriteByte(caesarAlphabet[(idx+k)%n])
	}
	return b.String()
}

func (ROT13Cipher) Algorithm() Algorithm { return ROT13 }
func (ROT13Cipher) Shift() *int          { return nil }
func (ROT13Cipher) Encrypt(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, text)
}
func (c ROT13Cipher) Decrypt(text string) (string, error) {
	return c.Encrypt(text), nil
}
func (ROT13Cipher) sealed() {}

func (Base64Cipher) Algorithm() Algorithm { return Base64 }
func (Base64Cipher) Shift() *int          { return nil }
func (Base64Cipher) Encrypt(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}
func (Base64Cipher) Decrypt(text string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return "", ErrInvalidBase64
	}
	if !utf8.Valid(raw) {
		return "", ErrInvalidBase64
	}
	return string(raw), nil
}
func (Base64Cipher) sealed() {}

func (AtbashCipher) Algorithm() Algorithm { return Atbash }
func (AtbashCipher) Shift() *int          { return nil }
func (AtbashCipher) Encrypt(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'z' - (r - 'a')
		case r >= '0' && r <= '9':
			return '9' - (r - '0')
		}
		return r
	}, strings.ToLower(text))
}
func (c AtbashCipher) Decrypt(text string) (string, error) {
	return c.Encrypt(text), nil
}
func (AtbashCipher) sealed() {}
