package blob

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"plain", "abc-DEF_123", "abc-DEF_123"},
		{"slash", "sha256/ab", "sha256%2Fab"},
		{"dotdot", "../x", "%2E%2E%2Fx"},
		{"space", "a b", "a%20b"},
		{"percent", "50%", "50%25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeKey(tt.key); got != tt.want {
				t.Errorf("EncodeKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestEncodeKeyLong(t *testing.T) {
	keys := []string{
		strings.Repeat("a", 256),
		strings.Repeat("a", MaxKeyLength),
		"sha256/" + strings.Repeat("../", 100),
	}

	seen := make(map[string]string)
	for _, key := range keys {
		name := EncodeKey(key)
		if !strings.HasPrefix(name, digestNamePrefix) {
			t.Fatalf("%d-byte key should encode to digest form, got %q", len(key), name)
		}
		if len(name) > 255 {
			t.Fatalf("encoding of %d-byte key is %d bytes, exceeds a filename", len(key), len(name))
		}
		if again := EncodeKey(key); again != name {
			t.Fatalf("encoding of %d-byte key is not deterministic", len(key))
		}
		if prev, ok := seen[name]; ok {
			t.Fatalf("keys %q and %q collided on %q", prev, key, name)
		}
		seen[name] = key

		if _, err := DecodeKey(name); err == nil {
			t.Errorf("DecodeKey(%q) should fail for digest-form names", name)
		}
	}

	// Short keys keep the reversible escaped form.
	if name := EncodeKey("sha256/abc"); strings.HasPrefix(name, digestNamePrefix) {
		t.Errorf("short key unexpectedly encoded to digest form %q", name)
	}
}

func TestDecodeKeyErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"truncated escape", "abc%2"},
		{"bare percent", "abc%"},
		{"invalid hex", "abc%ZZ"},
		{"raw unsafe byte", "a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeKey(tt.in); err == nil {
				t.Errorf("DecodeKey(%q) should fail", tt.in)
			}
		})
	}
}

func TestKeyCodecRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.String().Draw(t, "key")
		encoded := EncodeKey(key)

		// Encoded names contain only filename-safe bytes and always fit
		// one filename.
		for i := 0; i < len(encoded); i++ {
			c := encoded[i]
			if !safeKeySet[c] && c != '%' && c != '@' {
				t.Fatalf("unsafe byte %q in encoding of %q", c, key)
			}
		}
		if strings.ContainsAny(encoded, "/\\") {
			t.Fatalf("path separator in encoding of %q", key)
		}
		if len(encoded) > 255 {
			t.Fatalf("encoding of %q is %d bytes, exceeds a filename", key, len(encoded))
		}

		// Digest-form names are one-way; everything else round-trips.
		if strings.HasPrefix(encoded, digestNamePrefix) {
			if _, err := DecodeKey(encoded); err == nil {
				t.Fatalf("DecodeKey(%q) should fail for digest-form names", encoded)
			}
			return
		}

		decoded, err := DecodeKey(encoded)
		if err != nil {
			t.Fatalf("DecodeKey(%q) failed: %v", encoded, err)
		}
		if decoded != key {
			t.Fatalf("round trip = %q, want %q", decoded, key)
		}
	})
}
