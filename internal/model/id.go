package model

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 24-hex-character document id. Ids only need to be
// unique within a collection; ordering always comes from server timestamps,
// never from the id.
func NewID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
