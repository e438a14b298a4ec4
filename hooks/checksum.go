package hooks

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum is the lowercase hex SHA-256 of a hook's content.
type Checksum string

const checksumLen = 2 * sha256.Size

func Digest(content []byte) Checksum {
	sum := sha256.Sum256(content)
	return Checksum(hex.EncodeToString(sum[:]))
}

func (c Checksum) Valid() bool {
	if len(c) != checksumLen {
		return false
	}
	for _, r := range c {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

func (c Checksum) Short() string {
	if len(c) < 12 {
		return string(c)
	}
	return string(c[:12])
}
