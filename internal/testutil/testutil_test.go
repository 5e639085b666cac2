package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"
)

func TestMockTime(t *testing.T) {
	clock := NewMockTime(Epoch)
	if got := clock.Now(); !got.Equal(Epoch) {
		t.Fatalf("Now() = %v, want %v", got, Epoch)
	}

	clock.Advance(90 * time.Second)
	if got, want := clock.Now(), Epoch.Add(90*time.Second); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}

	clock.Set(Epoch)
	if got := clock.Now(); !got.Equal(Epoch) {
		t.Errorf("Now() after Set = %v, want %v", got, Epoch)
	}
}

func TestGeneratePKCEPair(t *testing.T) {
	challenge, verifier := GeneratePKCEPair()
	sum := sha256.Sum256([]byte(verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); challenge != want {
		t.Errorf("challenge = %q, want S256(verifier) = %q", challenge, want)
	}
}

func TestGenerateRandomString(t *testing.T) {
	a, b := GenerateRandomString(32), GenerateRandomString(32)
	if len(a) != 32 {
		t.Errorf("len = %d, want 32", len(a))
	}
	if a == b {
		t.Error("two random strings are equal")
	}
}
