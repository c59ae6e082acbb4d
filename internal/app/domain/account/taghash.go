package account

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// tagHashInfo domain-separates tag hashes from any other key derivation.
var tagHashInfo = []byte("accounting.account-tag.v1")

// HashTagValue derives the stored hash for a tag value. The derivation is
// deliberately unsalted: tags must be searchable by exact match, so equal
// values must always produce equal hashes.
func HashTagValue(value string) string {
	r := hkdf.New(sha256.New, []byte(value), nil, tagHashInfo)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails when asked for more output than the hash allows.
		panic(err)
	}
	return hex.EncodeToString(out)
}
