package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"ciphertoken/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	MaxPasswordLength = 1024
	saltLength        = 16
	keyLength         = 32
	queueDepth        = 1024
	defaultMinVerify  = 250 * time.Millisecond
)

var (
	ErrHasherStopped   = errors.New("hasher is shutting down")
	ErrHasherBusy      = errors.New("hasher queue full")
	ErrPasswordTooLong = errors.New("password too long")
)

// Hasher derives argon2id password hashes on a bounded worker pool so a
// burst of registrations cannot pin every CPU. Passwords are HMAC'd with a
// server-side pepper before derivation.
type Hasher struct {
	params    argonParams
	pepper    []byte
	pepperMu  sync.RWMutex
	jobs      chan func()
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	minVerify time.Duration
	dummy     string
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func NewHasher(iterations, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	p := make([]byte, len(pepper))
	copy(p, pepper)
	h := &Hasher{
		params:    argonParams{time: iterations, memory: memory, threads: parallelism},
		pepper:    p,
		jobs:      make(chan func(), queueDepth),
		quit:      make(chan struct{}),
		minVerify: defaultMinVerify,
	}
	h.dummy = h.encode(make([]byte, saltLength), make([]byte, keyLength))
	return h, nil
}

// SetMinVerifyDuration changes the floor on Verify latency. Zero disables it.
func (h *Hasher) SetMinVerifyDuration(d time.Duration) {
	h.minVerify = d
}

func (h *Hasher) Start(workers int) {
	h.startOnce.Do(func() {
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		h.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go h.worker()
		}
	})
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.pepperMu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.pepperMu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			job()
		case <-h.quit:
			return
		}
	}
}

// run executes fn on the pool and waits for it, or returns early when ctx
// ends or the hasher stops.
func (h *Hasher) run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case h.jobs <- job:
	case <-h.quit:
		return ErrHasherStopped
	case <-ctx.Done():
		return ErrHasherBusy
	}
	select {
	case <-done:
		return nil
	case <-h.quit:
		return ErrHasherStopped
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "hash wait")
	}
}

func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}
	var (
		encoded string
		err     error
	)
	if runErr := h.run(ctx, func() { encoded, err = h.hash(password) }); runErr != nil {
		return "", runErr
	}
	return encoded, err
}

func (h *Hasher) hash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "salt")
	}
	key := argon2.IDKey(peppered, salt, h.params.time, h.params.memory, h.params.threads, keyLength)
	defer util.Wipe(key)
	return h.encode(salt, key), nil
}

func (h *Hasher) encode(salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.memory, h.params.time, h.params.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

// Verify reports whether password matches encoded. It always takes at least
// the configured minimum duration so a wrong password and an unknown user
// are indistinguishable by timing.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) (bool, error) {
	start := time.Now()
	defer func() {
		if wait := h.minVerify - time.Since(start); wait > 0 {
			time.Sleep(wait)
		}
	}()
	if len(password) > MaxPasswordLength {
		password = strings.Repeat("x", MaxPasswordLength)
		encoded = h.dummy
	}
	var ok bool
	if err := h.run(ctx, func() { ok = h.verify(password, encoded) }); err != nil {
		return false, err
	}
	return ok, nil
}

// VerifyDummy burns the same work as a real verification against a fixed
// hash. Used when the account does not exist.
func (h *Hasher) VerifyDummy(ctx context.Context, password string) {
	_, _ = h.Verify(ctx, password, h.dummy)
}

func (h *Hasher) verify(password, encoded string) bool {
	params, salt, want, ok := h.decode(encoded)
	defer util.Wipe(salt, want)
	peppered := h.applyPepper(password)
	if peppered == nil {
		return false
	}
	defer util.Wipe(peppered)
	got := argon2.IDKey(peppered, salt, params.time, params.memory, params.threads, uint32(len(want)))
	defer util.Wipe(got)
	match := subtle.ConstantTimeCompare(want, got) == 1
	return ok && match
}

// decode parses an encoded hash. Malformed input yields the hasher's own
// parameters and zero buffers so the caller still does a full derivation.
func (h *Hasher) decode(encoded string) (argonParams, []byte, []byte, bool) {
	fallback := func() (argonParams, []byte, []byte, bool) {
		return h.params, make([]byte, saltLength), make([]byte, keyLength), false
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return fallback()
	}
	var p argonParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return fallback()
	}
	if p.memory == 0 || p.memory > 2*1024*1024 || p.time == 0 || p.time > 1000 || p.threads == 0 {
		return fallback()
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return fallback()
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > 256 {
		return fallback()
	}
	return p, salt, key, true
}

// NeedsRehash reports whether encoded was produced with parameters other
// than the hasher's current ones.
func (h *Hasher) NeedsRehash(encoded string) bool {
	p, _, _, ok := h.decode(encoded)
	return !ok || p != h.params
}

func (h *Hasher) applyPepper(password string) []byte {
	h.pepperMu.RLock()
	defer h.pepperMu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
