package peerid

import "testing"

func TestGenerateShapeAndPrefix(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if string(id[:8]) != prefix {
		t.Errorf("prefix = %q, want %q", id[:8], prefix)
	}

	for i := 8; i < 20; i++ {
		c := id[i]
		isAlnum := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')
		if !isAlnum {
			t.Errorf("byte %d = %q, want alphanumeric", i, c)
		}
	}
}

func TestGenerateIsRandom(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if a == b {
		t.Errorf("two consecutive Generate() calls produced identical ids: %x", a)
	}
}

func TestRunIDUnique(t *testing.T) {
	if RunID() == RunID() {
		t.Errorf("RunID() returned the same value twice")
	}
}
