// Package credentials builds and verifies tamper-evident credential digests.
package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minSecretLength = 16

var (
	// ErrMissingSecret indicates that no signing secret was configured.
	ErrMissingSecret = errors.New("credentials: signing secret required")
	// ErrWeakSecret indicates that the configured secret is too short.
	ErrWeakSecret = errors.New("credentials: signing secret too short")
	// ErrInvalidClaims indicates that a claim set is missing a required field.
	ErrInvalidClaims = errors.New("credentials: invalid claims")
)

// Claims are the fields bound by a credential hash.
type Claims struct {
	CredentialID  string
	StudentID     string
	EventID       string
	Tier          string
	Rank          int
	WeightedScore float64
	IssuedAt      time.Time
}

// canonicalPayload fixes field order and formatting of the signed document.
type canonicalPayload struct {
	CredentialID  string `json:"credential_id"`
	StudentID     string `json:"student_id"`
	EventID       string `json:"event_id"`
	Tier          string `json:"tier"`
	Rank          int    `json:"rank"`
	WeightedScore string `json:"weighted_score"`
	IssuedAt      string `json:"issued_at"`
}

// Canonicalize serializes claims into the byte sequence covered by the digest.
// Issued-at is truncated to whole seconds in UTC and scores use two decimals.
func Canonicalize(claims Claims) ([]byte, error) {
	if strings.TrimSpace(claims.CredentialID) == "" {
		return nil, fmt.Errorf("%w: credential id", ErrInvalidClaims)
	}
	if strings.TrimSpace(claims.StudentID) == "" {
		return nil, fmt.Errorf("%w: student id", ErrInvalidClaims)
	}
	if strings.TrimSpace(claims.EventID) == "" {
		return nil, fmt.Errorf("%w: event id", ErrInvalidClaims)
	}
	if claims.IssuedAt.IsZero() {
		return nil, fmt.Errorf("%w: issued at", ErrInvalidClaims)
	}
	payload := canonicalPayload{
		CredentialID:  claims.CredentialID,
		StudentID:     claims.StudentID,
		EventID:       claims.EventID,
		Tier:          claims.Tier,
		Rank:          claims.Rank,
		WeightedScore: strconv.FormatFloat(claims.WeightedScore, 'f', 2, 64),
		IssuedAt:      claims.IssuedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
	}
	return json.Marshal(payload)
}

// Signer computes HMAC-SHA256 digests over canonical claims.
type Signer struct {
	secret []byte
}

// NewSigner validates the shared secret and returns a Signer.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrWeakSecret, minSecretLength)
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign returns the hex-encoded digest for the claims.
func (s *Signer) Sign(claims Claims) (string, error) {
	digest, err := s.digest(claims)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}

// Verify recomputes the digest and compares it to the stored hash in constant time.
func (s *Signer) Verify(claims Claims, storedHash string) (bool, error) {
	expected, err := s.digest(claims)
	if err != nil {
		return false, err
	}
	stored, err := hex.DecodeString(strings.TrimSpace(storedHash))
	if err != nil {
		return false, nil
	}
	return hmac.Equal(expected, stored), nil
}

func (s *Signer) digest(claims Claims) ([]byte, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrMissingSecret
	}
	payload, err := Canonicalize(claims)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil), nil
}
