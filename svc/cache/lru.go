// Package cache keeps recently minted or looked-up token records in memory.
// The database stays authoritative for consumption; a cached record can
// only short-circuit a decrypt that would fail anyway.
package cache

import (
	"errors"
	"time"

	"ciphertoken/pkg/domain"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxSize = 100000

type Tokens struct {
	c *expirable.LRU[string, domain.Token]
}

func NewTokens(size int, ttl time.Duration) (*Tokens, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxSize {
		return nil, errors.New("cache size too large")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	return &Tokens{c: expirable.NewLRU[string, domain.Token](size, nil, ttl)}, nil
}

// Get returns a copy of the cached record so callers cannot mutate the
// shared entry.
func (t *Tokens) Get(hash string) (*domain.Token, bool) {
	tok, ok := t.c.Get(hash)
	if !ok {
		return nil, false
	}
	return copyToken(tok), true
}

func (t *Tokens) Put(tok *domain.Token) {
	if tok == nil || tok.Hash == "" {
		return
	}
	t.c.Add(tok.Hash, *copyToken(*tok))
}

// MarkConsumed records a consumption that already succeeded in the store.
func (t *Tokens) MarkConsumed(hash string, at time.Time) {
	tok, ok := t.c.Peek(hash)
	if !ok {
		return
	}
	ts := at
	tok.Consumed = true
	tok.ConsumedAt = &ts
	t.c.Add(hash, tok)
}

func (t *Tokens) Remove(hash string) {
	t.c.Remove(hash)
}

func (t *Tokens) Len() int {
	return t.c.Len()
}

func copyToken(tok domain.Token) *domain.Token {
	out := tok
	if tok.Shift != nil {
		s := *tok.Shift
		out.Shift = &s
	}
	if tok.ConsumedAt != nil {
		c := *tok.ConsumedAt
		out.ConsumedAt = &c
	}
	return &out
}
