// Package checksum computes the opaque, algorithm-tagged checksum strings
// stored in the subscription registry and written to Deployment
// annotations. No third-party hashing library is used by any repository in
// the retrieved pack; crypto/md5 and crypto/sha256 are the standard,
// unavoidable choice for this pure transform.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Func computes a checksum string for a KV value. The result is formatted
// as "{algo}-{hex}", e.g. "md5-d41d8cd98f00b204e9800998ecf8427e".
type Func func([]byte) string

// MD5 returns a Func that hashes with MD5.
func MD5() Func {
	return func(b []byte) string {
		sum := md5.Sum(b)
		return fmt.Sprintf("md5-%s", hex.EncodeToString(sum[:]))
	}
}

// SHA256 returns a Func that hashes with SHA-256.
func SHA256() Func {
	return func(b []byte) string {
		sum := sha256.Sum256(b)
		return fmt.Sprintf("sha256-%s", hex.EncodeToString(sum[:]))
	}
}

// FromType selects a Func by the CHECKSUM_TYPE configuration value. Unknown
// values fall back to md5.
func FromType(typ string) Func {
	switch typ {
	case "sha256":
		return SHA256()
	default:
		return MD5()
	}
}
