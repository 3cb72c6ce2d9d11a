// Package digest computes the content hashes used to certify evidence packages.
package digest

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Size is the length of a hex encoded digest.
const Size = sha256.Size * 2

// Hex returns the lowercase hex SHA-256 of data.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HexString hashes the UTF-8 bytes of s.
func HexString(s string) string {
	return Hex([]byte(s))
}

// CID returns a CIDv1 string using the "raw" multicodec and a sha2-256
// multihash, naming the same bytes Hex does in IPFS terms.
func CID(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Valid reports whether s looks like a digest produced by Hex.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
