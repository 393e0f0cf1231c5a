package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	hashNonceSize = 32
	// HashLen is the length of a minted token hash in hex characters.
	HashLen = sha256.Size * 2
)

var (
	ErrHashKeyNotInit = errors.New("token hash key not initialized")
	hashKey           []byte
	hashKeyMu         sync.RWMutex
)

func InitTokenHashKey(secret []byte) error {
	if err := validateKeyEntropy(secret); err != nil {
		return err
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	hashKeyMu.Lock()
	old := hashKey
	hashKey = key
	hashKeyMu.Unlock()
	Wipe(old)
	return nil
}
func validateKeyEntropy(secret []byte) error {
	if len(secret) < 32 {
		return errors.New("token hash key must be at least 32 bytes")
	}
	unique := make(map[byte]struct{})
	for _, b := range secret {
		unique[b] = struct{}{}
	}
	if len(unique) < 16 {
		return errors.New("token hash key has insufficient entropy (too many repeating bytes)")
	}
	return nil
}

type HashInput struct {
	Owner     string
	Algorithm string
	Shift     *int
	Plaintext string
	At        time.Time
}

// MintHash derives a token hash from the request fields, a timestamp and a
// random nonce under the server key. Equal inputs never yield equal hashes.
func MintHash(in HashInput) (string, error) {
	hashKeyMu.RLock()
	key := hashKey
	hashKeyMu.RUnlock()
	if key == nil {
		return "", ErrHashKeyNotInit
	}
	nonce := make([]byte, hashNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "read nonce")
	}
	mac := hmac.New(sha256.New, key)
	writeField(mac, []byte(in.Owner))
	writeField(mac, []byte(in.Algorithm))
	shift := ""
	if in.Shift != nil {
		shift = strconv.Itoa(*in.Shift)
	}
	writeField(mac, []byte(shift))
	writeField(mac, []byte(in.Plaintext))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(in.At.UnixNano()))
	writeField(mac, ts[:])
	writeField(mac, nonce)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// writeField length-prefixes each field so adjacent fields cannot shift into
// one another.
func writeField(w io.Writer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.Write(l[:])
	w.Write(b)
}

// ValidHashFormat reports whether s could be a minted hash. It lets callers
// reject garbage before touching storage.
func ValidHashFormat(s string) bool {
	if len(s) != HashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
