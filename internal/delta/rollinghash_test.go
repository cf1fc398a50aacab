package delta

import "testing"

func TestRollingHashInitDeterministic(t *testing.T) {
	data := []byte("Hello, World!")
	h1 := NewRollingHash()
	h1.Init(data)
	h2 := NewRollingHash()
	h2.Init(data)
	if h1.Digest() != h2.Digest() {
		t.Fatalf("expected equal digests, got %d vs %d", h1.Digest(), h2.Digest())
	}
}

func TestRollingHashDifferentDataDifferentHash(t *testing.T) {
	h1 := NewRollingHash()
	h1.Init([]byte("Hello"))
	h2 := NewRollingHash()
	h2.Init([]byte("World"))
	if h1.Digest() == h2.Digest() {
		t.Fatalf("expected different digests")
	}
}

func TestRollingHashRotateEqualsFreshInit(t *testing.T) {
	data := []byte("ABCDE")
	rolling := NewRollingHash()
	rolling.Init(data[0:4])
	rolling.Rotate(data[0], data[4])

	fresh := NewRollingHash()
	fresh.Init(data[1:5])

	if rolling.Digest() != fresh.Digest() {
		t.Fatalf("rotate digest %d != fresh init digest %d", rolling.Digest(), fresh.Digest())
	}
}
