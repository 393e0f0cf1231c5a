package util

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLen       = 11
	idRetries   = 5
)

var ErrIDCollision = errors.New("id collision after retries")

// GenID returns a random base62 id that exists reports as unused.
func GenID(ctx context.Context, exists func(context.Context, string) (bool, error)) (string, error) {
	for retry := 0; retry < idRetries; retry++ {
		id, err := randomBase62(idLen)
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", errors.Wrap(err, "id exists check")
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDCollision
}
func randomBase62(n int) (string, error) {
	max := big.NewInt(int64(len(base62Chars)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		out[i] = base62Chars[v.Int64()]
	}
	return string(out), nil
}
