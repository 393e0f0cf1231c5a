package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(1, 1024, 1, []byte(strings.Repeat("p", 32)))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	h.SetMinVerifyDuration(0)
	h.Start(2)
	t.Cleanup(h.Stop)
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()
	enc, err := h.Hash(ctx, "correct horse")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(enc, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Errorf("unexpected encoding %q", enc)
	}
	ok, err := h.Verify(ctx, "correct horse", enc)
	if err != nil || !ok {
		t.Fatalf("Verify(correct) = %v, %v", ok, err)
	}
	ok, err = h.Verify(ctx, "wrong horse", enc)
	if err != nil || ok {
		t.Fatalf("Verify(wrong) = %v, %v", ok, err)
	}
}

func TestHashesAreSalted(t *testing.T) {
	h := newTestHasher(t)
	a, _ := h.Hash(context.Background(), "same")
	b, _ := h.Hash(context.Background(), "same")
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestVerifyMalformed(t *testing.T) {
	h := newTestHasher(t)
	for _, enc := range []string{"", "plain", "$argon2id$v=19$m=x$a$b", "$bcrypt$v=19$m=1024,t=1,p=1$AAAA$AAAA"} {
		ok, err := h.Verify(context.Background(), "pw", enc)
		if err != nil || ok {
			t.Errorf("Verify(%q) = %v, %v", enc, ok, err)
		}
	}
}

func TestPepperMatters(t *testing.T) {
	h1 := newTestHasher(t)
	h2, _ := NewHasher(1, 1024, 1, []byte(strings.Repeat("q", 32)))
	h2.SetMinVerifyDuration(0)
	h2.Start(1)
	defer h2.Stop()
	enc, _ := h1.Hash(context.Background(), "secret-pass")
	ok, _ := h2.Verify(context.Background(), "secret-pass", enc)
	if ok {
		t.Fatal("hash verified under a different pepper")
	}
}

func TestMinVerifyDuration(t *testing.T) {
	h := newTestHasher(t)
	h.SetMinVerifyDuration(50 * time.Millisecond)
	start := time.Now()
	h.VerifyDummy(context.Background(), "whatever")
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("verify returned before the minimum duration")
	}
}

func TestPasswordTooLong(t *testing.T) {
	h := newTestHasher(t)
	long := strings.Repeat("a", MaxPasswordLength+1)
	if _, err := h.Hash(context.Background(), long); err != ErrPasswordTooLong {
		t.Fatalf("Hash(long) = %v", err)
	}
	ok, err := h.Verify(context.Background(), long, "anything")
	if err != nil || ok {
		t.Fatalf("Verify(long) = %v, %v", ok, err)
	}
}

func TestNeedsRehash(t *testing.T) {
	h := newTestHasher(t)
	enc, _ := h.Hash(context.Background(), "pw")
	if h.NeedsRehash(enc) {
		t.Error("fresh hash should not need rehash")
	}
	if !h.NeedsRehash("$argon2id$v=19$m=2048,t=1,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA") {
		t.Error("different params should need rehash")
	}
}

func TestConcurrentHashing(t *testing.T) {
	h := newTestHasher(t)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Hash(context.Background(), "pw"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStoppedHasher(t *testing.T) {
	h, _ := NewHasher(1, 1024, 1, []byte(strings.Repeat("p", 32)))
	h.Start(1)
	h.Stop()
	if _, err := h.Hash(context.Background(), "pw"); err != ErrHasherStopped {
		t.Fatalf("Hash after Stop = %v", err)
	}
}

func TestNewHasherValidation(t *testing.T) {
	if _, err := NewHasher(1, 1024, 1, []byte("short")); err == nil {
		t.Error("short pepper accepted")
	}
	if _, err := NewHasher(0, 1024, 1, []byte(strings.Repeat("p", 32))); err == nil {
		t.Error("zero iterations accepted")
	}
	if _, err := NewHasher(1, 10, 1, []byte(strings.Repeat("p", 32))); err == nil {
		t.Error("tiny memory accepted")
	}
}
