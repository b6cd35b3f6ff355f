// ABOUTME: Content hashing for configurations and rendered output.
// ABOUTME: BLAKE3 keyed with a fixed domain key, hex encoded.

package configstore

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// contentDomainKey must never change: every stored content_hash and every
// hash an agent reports back was derived from it.
var contentDomainKey = [32]byte{
	'o', 'p', 'a', 'm', 'p', '.', 'c', 'o', 'n', 'f', 'i', 'g', '.', 'c', 'o', 'n',
	't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Hash returns the content hash of text. It is a pure function of its
// input, so equal hashes mean equal content.
func Hash(text string) string {
	h, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length.
		panic(err)
	}
	_, _ = h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
