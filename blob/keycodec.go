package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Object keys are opaque and may contain path separators or arbitrary bytes,
// but the filesystem backend stores one file per key inside a single flat
// directory. EncodeKey produces a filename that contains only bytes from a
// safe set, so no key can escape the artifact directory or collide with
// another key's encoding. Short keys use a reversible escaped form; keys
// whose escaped form would not fit a filename switch to a digest form.

const safeKeyBytes = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var safeKeySet = func() [256]bool {
	var s [256]bool
	for i := 0; i < len(safeKeyBytes); i++ {
		s[safeKeyBytes[i]] = true
	}
	return s
}()

// maxEncodedName caps the escaped form so every encoding fits a single
// filename (Linux caps names at 255 bytes). A key of MaxKeyLength bytes can
// escape to three bytes each, so long keys fall back to a digest name.
const maxEncodedName = 200

// digestNamePrefix marks digest-form names. '@' is escaped in the normal
// form, so the two namespaces cannot collide.
const digestNamePrefix = "@"

// EncodeKey converts an object key into a path-safe filename. Bytes outside
// [A-Za-z0-9_-] are escaped as %XX. When the escaped form exceeds
// maxEncodedName bytes the name becomes "@" plus the hex sha256 of the raw
// key instead.
func EncodeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if safeKeySet[c] {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	if b.Len() > maxEncodedName {
		sum := sha256.Sum256([]byte(key))
		return digestNamePrefix + hex.EncodeToString(sum[:])
	}
	return b.String()
}

// DecodeKey inverts EncodeKey for escaped names. Digest-form names carry
// only a hash of the key and cannot be decoded.
func DecodeKey(name string) (string, error) {
	if strings.HasPrefix(name, digestNamePrefix) {
		return "", fmt.Errorf("digest-form name %q is not reversible", name)
	}
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			if !safeKeySet[c] {
				return "", fmt.Errorf("unexpected byte %q in encoded key", c)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("truncated escape in encoded key")
		}
		hi, ok1 := hexVal(name[i+1])
		lo, ok2 := hexVal(name[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid escape %q in encoded key", name[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
