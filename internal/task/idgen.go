package task

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// IDLength is the number of hex characters in a generated task ID.
const IDLength = 8

var idPattern = regexp.MustCompile(`^[0-9a-f]{8,}$`)

// NewID generates an opaque short task ID (lowercase hex).
func NewID() string {
	buf := make([]byte, IDLength/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("task id generation: %v", err))
	}
	return hex.EncodeToString(buf)
}

// ValidID returns true for a well-formed task ID.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
