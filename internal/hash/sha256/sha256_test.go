// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import (
	"errors"
	"strings"
	"testing"
)

const helloWorldDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// TestHasherSumDeterministic ensures repeated hashing yields the same digest.
func TestHasherSumDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Sum(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Sum() error = %v", err)
	}
	if got != helloWorldDigest {
		t.Fatalf("expected %s, got %s", helloWorldDigest, got)
	}
	if again := h.Bytes([]byte("hello world")); again != got {
		t.Fatalf("expected Bytes to agree with Sum, got %s vs %s", again, got)
	}
}

// TestHasherSumPropagatesReadErrors checks reader failures surface to callers.
func TestHasherSumPropagatesReadErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk gone")
	_, err := New().Sum(failingReader{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }
