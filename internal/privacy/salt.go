package privacy

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseSalt decodes a hex-encoded salt and enforces the required length.
// The salt must be stable across restarts so stored origin hashes keep
// matching, which is why there is no random fallback.
func ParseSalt(s string) ([]byte, error) {
	salt, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("salt is not valid hex: %w", err)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	return salt, nil
}
