package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ciphertoken/cfg"
	"ciphertoken/metrics"
	"ciphertoken/pkg/cipher"
	"ciphertoken/pkg/domain"
	"ciphertoken/svc/cache"
	"ciphertoken/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	tombstoneTTL   = 24 * time.Hour
	trackerTimeout = 50 * time.Millisecond
	mintAttempts   = 2
)

type TokenStore interface {
	CreateToken(ctx context.Context, t *domain.Token) error
	FindToken(ctx context.Context, hash, owner string) (*domain.Token, error)
	ConsumeToken(ctx context.Context, hash, owner string, at time.Time) error
}

// ConsumedTracker is an optional cross-instance record of spent hashes.
// It is a hint only; the store decides.
type ConsumedTracker interface {
	MarkConsumed(ctx context.Context, key string, ttl time.Duration) error
	IsConsumed(ctx context.Context, key string) (bool, error)
}

// Cipher runs the encrypt/decrypt protocol: a minted hash is bound to the
// cipher that produced the ciphertext and can be redeemed exactly once by
// the owner that minted it.
type Cipher struct {
	store      TokenStore
	cache      *cache.Tokens
	tracker    ConsumedTracker
	lookups    singleflight.Group
	maxMessage int64
	now        func() time.Time
	shutdown   atomic.Bool
	opWg       sync.WaitGroup
}

// NewCipher wires the controller. tokens and tracker may be nil.
func NewCipher(store TokenStore, tokens *cache.Tokens, tracker ConsumedTracker, c *cfg.Cfg) *Cipher {
	if store == nil || c == nil {
		panic("cipher service: nil dependency (store or cfg)")
	}
	return &Cipher{
		store:      store,
		cache:      tokens,
		tracker:    tracker,
		maxMessage: c.MaxMessageSize,
		now:        time.Now,
	}
}

// Shutdown stops accepting operations and waits for in-flight ones.
func (s *Cipher) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		s.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Debug().Msg("cipher service drained")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "cipher service drain")
	}
}

func (s *Cipher) begin() error {
	if s.shutdown.Load() {
		return domain.ErrUnavailable
	}
	s.opWg.Add(1)
	return nil
}

func (s *Cipher) Methods() []cipher.Info {
	return cipher.Methods()
}

func (s *Cipher) Encrypt(ctx context.Context, p domain.EncryptParams) (*domain.EncryptResult, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	if p.Owner == "" {
		return nil, domain.ErrAuthMissing
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, domain.ErrMessageRequired
	}
	if s.maxMessage > 0 && int64(len(p.Message)) > s.maxMessage {
		return nil, domain.ErrMessageTooLarge
	}
	m, err := cipher.New(p.Algorithm, p.Shift)
	if err != nil {
		return nil, cipherErr(err)
	}
	encrypted := m.Encrypt(p.Message)

	var tok *domain.Token
	for attempt := 1; ; attempt++ {
		now := s.now()
		hash, err := util.MintHash(util.HashInput{
			Owner:     p.Owner,
			Algorithm: string(m.Algorithm()),
			Shift:     m.Shift(),
			Plaintext: p.Message,
			At:        now,
		})
		if err != nil {
			return nil, errors.Wrap(err, "mint hash")
		}
		tok = &domain.Token{
			Hash:      hash,
			Algorithm: m.Algorithm(),
			Shift:     m.Shift(),
			Owner:     p.Owner,
			CreatedAt: now,
		}
		err = s.store.CreateToken(ctx, tok)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrDuplicateHash) && attempt < mintAttempts {
			util.Warn().Str("hash", util.RedactToken(hash)).Msg("hash collision, reminting")
			continue
		}
		return nil, errors.Wrap(err, "create token")
	}
	if s.cache != nil {
		s.cache.Put(tok)
	}
	metrics.TokensMinted.WithLabelValues(string(tok.Algorithm)).Inc()
	return &domain.EncryptResult{
		Encrypted: encrypted,
		Hash:      tok.Hash,
		Method:    tok.Algorithm,
	}, nil
}

func (s *Cipher) Decrypt(ctx context.Context, p domain.DecryptParams) (res *domain.DecryptResult, err error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	defer func() { metrics.DecryptOutcomes.WithLabelValues(outcome(err)).Inc() }()
	if p.Owner == "" {
		return nil, domain.ErrAuthMissing
	}
	if strings.TrimSpace(p.Encrypted) == "" {
		return nil, domain.ErrEncryptedRequired
	}
	if strings.TrimSpace(p.Hash) == "" {
		return nil, domain.ErrHashRequired
	}
	if !util.ValidHashFormat(p.Hash) {
		return nil, domain.ErrTokenNotFound
	}
	tok, err := s.lookup(ctx, p.Hash, p.Owner)
	if err != nil {
		return nil, err
	}
	if tok.Consumed {
		return nil, domain.ErrTokenUsed
	}
	m, err := tok.Method()
	if err != nil {
		return nil, errors.Wrapf(err, "stored token %s has unusable cipher", util.RedactToken(tok.Hash))
	}
	plain, err := m.Decrypt(p.Encrypted)
	if err != nil {
		return nil, cipherErr(err)
	}
	at := s.now()
	if err := s.store.ConsumeToken(ctx, tok.Hash, tok.Owner, at); err != nil {
		if errors.Is(err, domain.ErrTokenUsed) {
			metrics.ConsumeRaceLost.Inc()
			s.remember(ctx, tok, at)
			return nil, domain.ErrTokenUsed
		}
		return nil, errors.Wrap(err, "consume token")
	}
	s.remember(ctx, tok, at)
	return &domain.DecryptResult{Decrypted: plain, Method: tok.Algorithm}, nil
}

// lookup resolves (hash, owner) through the cache, the tombstone tracker
// and finally the store. Concurrent lookups of the same pair share one read.
func (s *Cipher) lookup(ctx context.Context, hash, owner string) (*domain.Token, error) {
	if s.cache != nil {
		if tok, ok := s.cache.Get(hash); ok {
			metrics.CacheHits.Inc()
			if tok.Owner != owner {
				return nil, domain.ErrTokenNotFound
			}
			if tok.Consumed {
				return tok, nil
			}
		} else {
			metrics.CacheMisses.Inc()
		}
	}
	if s.tracker != nil {
		tctx, cancel := context.WithTimeout(ctx, trackerTimeout)
		spent, err := s.tracker.IsConsumed(tctx, tombstoneKey(owner, hash))
		cancel()
		if err != nil {
			util.Debug().Err(err).Msg("consumed tracker unavailable")
		} else if spent {
			return &domain.Token{Hash: hash, Owner: owner, Consumed: true}, nil
		}
	}
	v, err, _ := s.lookups.Do(owner+"\x00"+hash, func() (interface{}, error) {
		return s.store.FindToken(context.WithoutCancel(ctx), hash, owner)
	})
	if err != nil {
		return nil, err
	}
	found := *v.(*domain.Token)
	if s.cache != nil {
		s.cache.Put(&found)
	}
	return &found, nil
}

// remember propagates a consumption to the cache and tracker.
func (s *Cipher) remember(ctx context.Context, tok *domain.Token, at time.Time) {
	if s.cache != nil {
		s.cache.MarkConsumed(tok.Hash, at)
	}
	if s.tracker != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackerTimeout)
		defer cancel()
		if err := s.tracker.MarkConsumed(tctx, tombstoneKey(tok.Owner, tok.Hash), tombstoneTTL); err != nil {
			util.Debug().Err(err).Msg("failed to write consumed tombstone")
		}
	}
}

func tombstoneKey(owner, hash string) string {
	return owner + ":" + hash
}

func cipherErr(err error) error {
	switch {
	case errors.Is(err, cipher.ErrShiftRequired):
		return domain.ErrShiftRequired
	case errors.Is(err, cipher.ErrUnknownAlgorithm):
		return domain.ErrUnknownMethod
	case errors.Is(err, cipher.ErrInvalidBase64):
		return domain.ErrDecoding
	default:
		return err
	}
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return metrics.OutcomeNotFound
	case domain.KindAlreadyUsed:
		return metrics.OutcomeAlreadyUsed
	case domain.KindDecoding:
		return metrics.OutcomeDecodeError
	default:
		return metrics.OutcomeError
	}
}
