package util

import (
	"context"
	"strings"
	"testing"
	"time"
)

const testHashKey = "0123456789ABCDEFGHIJKLMNOPQRSTUV-test-hash-key"

func TestMintHashUnique(t *testing.T) {
	if err := InitTokenHashKey([]byte(testHashKey)); err != nil {
		t.Fatalf("InitTokenHashKey: %v", err)
	}
	shift := 3
	in := HashInput{Owner: "u1", Algorithm: "caesar", Shift: &shift, Plaintext: "hello123", At: time.Unix(1700000000, 0)}
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		h, err := MintHash(in)
		if err != nil {
			t.Fatalf("MintHash: %v", err)
		}
		if !ValidHashFormat(h) {
			t.Fatalf("minted hash has wrong format: %q", h)
		}
		if _, dup := seen[h]; dup {
			t.Fatalf("duplicate hash for identical input at iteration %d", i)
		}
		seen[h] = struct{}{}
	}
}

func TestInitTokenHashKeyRejectsWeakKeys(t *testing.T) {
	if err := InitTokenHashKey([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
	if err := InitTokenHashKey([]byte(strings.Repeat("ab", 32))); err == nil {
		t.Error("expected error for low-entropy key")
	}
}

func TestValidHashFormat(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{strings.Repeat("a", HashLen), true},
		{strings.Repeat("0f", HashLen/2), true},
		{strings.Repeat("A", HashLen), false},
		{strings.Repeat("a", HashLen-1), false},
		{"", false},
		{strings.Repeat("g", HashLen), false},
	}
	for _, tt := range tests {
		if got := ValidHashFormat(tt.in); got != tt.want {
			t.Errorf("ValidHashFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGenID(t *testing.T) {
	calls := 0
	id, err := GenID(context.Background(), func(_ context.Context, id string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if err != nil {
		t.Fatalf("GenID: %v", err)
	}
	if len(id) != idLen {
		t.Errorf("len(id) = %d, want %d", len(id), idLen)
	}
	if calls != 3 {
		t.Errorf("exists called %d times, want 3", calls)
	}

	_, err = GenID(context.Background(), func(context.Context, string) (bool, error) { return true, nil })
	if err != ErrIDCollision {
		t.Errorf("err = %v, want ErrIDCollision", err)
	}
}

func TestOwnerContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := GetOwner(ctx); ok {
		t.Error("empty context should have no owner")
	}
	ctx = SetOwner(ctx, "user-1")
	owner, ok := GetOwner(ctx)
	if !ok || owner != "user-1" {
		t.Errorf("GetOwner = %q, %v", owner, ok)
	}
}

func TestRedact(t *testing.T) {
	if got := RedactToken(strings.Repeat("ab", 32)); strings.Contains(got, strings.Repeat("ab", 8)) {
		t.Errorf("RedactToken leaked too much: %q", got)
	}
	if got := RedactIP("192.168.1.77:5123"); got != "192.168.1.0" {
		t.Errorf("RedactIP = %q", got)
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP = %q", got)
	}
}
