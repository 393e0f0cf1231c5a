package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	minLookupTime    = 20 * time.Millisecond
	lookupTimeJitter = 10 * time.Millisecond
)

// breaker trips after maxFailures consecutive storage errors and lets a
// single probe through once the cooldown has passed.
type breaker struct {
	failures int32
	state    int32
	openedAt int64
}

func (b *breaker) check() error {
	switch atomic.LoadInt32(&b.state) {
	case circuitOpen:
		opened := atomic.LoadInt64(&b.openedAt)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&b.state, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) record(err error) {
	if err == nil {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.state, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.state) == circuitHalfOpen {
		b.trip()
		atomic.StoreInt32(&b.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&b.state) == circuitClosed {
		b.trip()
	}
}

func (b *breaker) trip() {
	atomic.StoreInt32(&b.state, circuitOpen)
	atomic.StoreInt64(&b.openedAt, time.Now().Unix())
}

func (b *breaker) open() bool {
	return atomic.LoadInt32(&b.state) == circuitOpen
}

// normalizeLookupTime pads token lookups so that a hit and a miss take
// roughly the same time.
func normalizeLookupTime(start time.Time) {
	elapsed := time.Since(start)
	var jitter int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitter = int64(lookupTimeJitter)
	} else {
		jitter = int64(binary.BigEndian.Uint64(b[:]) % uint64(lookupTimeJitter))
	}
	target := minLookupTime + time.Duration(jitter)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}
