package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestSecretLengthAndUniqueness(t *testing.T) {
	a, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	b, _ := Secret(32)
	if len(a) != 43 {
		t.Fatalf("expected 43 chars for 32 bytes, got %d", len(a))
	}
	if a == b {
		t.Fatal("expected distinct secrets")
	}
	short, _ := Secret(1)
	if len(short) < 22 {
		t.Fatalf("expected minimum entropy to be enforced, got %q", short)
	}
}

func TestDigestStable(t *testing.T) {
	if Digest("abc") != Digest("abc") {
		t.Fatal("digest not stable")
	}
	if Digest("abc") == Digest("abd") {
		t.Fatal("digest collision")
	}
	if len(Digest("abc")) != 64 {
		t.Fatalf("unexpected digest length %d", len(Digest("abc")))
	}
}
