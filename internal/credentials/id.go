package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultIDPrefix is used when no prefix is configured.
	DefaultIDPrefix  = "LRL"
	idRandomBytes    = 6
	maxPrefixLength  = 8
	credentialIDForm = `^[A-Z0-9]{1,8}-\d{4}-[0-9a-f]{12}$`
)

var credentialIDPattern = regexp.MustCompile(credentialIDForm)

// IDGenerator mints credential identifiers of the form PREFIX-YYYY-<12 hex>.
type IDGenerator struct {
	prefix string
	random io.Reader
}

// NewIDGenerator returns an IDGenerator; an empty prefix falls back to DefaultIDPrefix.
func NewIDGenerator(prefix string, random io.Reader) (*IDGenerator, error) {
	normalized := strings.ToUpper(strings.TrimSpace(prefix))
	if normalized == "" {
		normalized = DefaultIDPrefix
	}
	if len(normalized) > maxPrefixLength {
		return nil, fmt.Errorf("credentials: id prefix %q exceeds %d characters", normalized, maxPrefixLength)
	}
	for _, r := range normalized {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return nil, fmt.Errorf("credentials: id prefix %q must be alphanumeric", normalized)
		}
	}
	if random == nil {
		random = rand.Reader
	}
	return &IDGenerator{prefix: normalized, random: random}, nil
}

// NewCredentialID returns a fresh identifier stamped with the issuance year.
func (g *IDGenerator) NewCredentialID(issuedAt time.Time) (string, error) {
	buffer := make([]byte, idRandomBytes)
	if _, err := io.ReadFull(g.random, buffer); err != nil {
		return "", fmt.Errorf("credentials: read random bytes: %w", err)
	}
	return fmt.Sprintf("%s-%04d-%s", g.prefix, issuedAt.UTC().Year(), hex.EncodeToString(buffer)), nil
}

// ValidCredentialID reports whether the value is shaped like an issued credential identifier.
func ValidCredentialID(value string) bool {
	return credentialIDPattern.MatchString(value)
}
