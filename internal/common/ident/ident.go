package ident

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// EntityIDLength is the length of a registry entity id: 12 random
// bytes, hex encoded.
const EntityIDLength = 24

var entityIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// NewEntityID returns a new 24-hex-character opaque identifier.
func NewEntityID() string {
	buf := make([]byte, EntityIDLength/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// ValidEntityID reports whether s looks like an entity id.
func ValidEntityID(s string) bool {
	return entityIDPattern.MatchString(s)
}

// NewProbeID returns a unique id for one probe execution.
func NewProbeID() string {
	return uuid.New().String()
}
