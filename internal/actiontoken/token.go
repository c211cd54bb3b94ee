// Package actiontoken issues and verifies single-use bearer capabilities.
//
// A token grants one unauthenticated party one scoped action on one job. Only
// the SHA-256 hash of the secret is persisted; the secret itself is handed out
// once and never stored.
package actiontoken

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cuongbtq/jobrouter/internal/domain"
)

// SecretBytes is the entropy of every issued secret
const SecretBytes = 32

// Scope names the single action a token authorizes
type Scope string

const (
	// ScopeContractorComplete lets the assigned contractor mark work complete
	ScopeContractorComplete Scope = "contractor.complete"
	// ScopeCustomerReview lets the customer approve or reject the completed work
	ScopeCustomerReview Scope = "customer.review"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	return s == ScopeContractorComplete || s == ScopeCustomerReview
}

// Token is a freshly issued capability. Secret must be delivered to the bearer
// and then discarded.
type Token struct {
	Secret    string
	Hash      string
	Scope     Scope
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NewSecret returns a random url-safe secret and its hash
func NewSecret() (secret, hash string, err error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)
	return secret, Hash(secret), nil
}

// Issue creates a token for scope valid for ttl from now
func Issue(scope Scope, ttl time.Duration, now time.Time) (Token, error) {
	if !scope.Valid() {
		return Token{}, fmt.Errorf("unknown token scope %q", scope)
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}

	secret, hash, err := NewSecret()
	if err != nil {
		return Token{}, err
	}

	return Token{
		Secret:    secret,
		Hash:      hash,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Hash returns the hex encoded SHA-256 of secret
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Verify checks secret against the stored hash and expiry.
// A nil stored hash means the token was never issued or was already consumed.
func Verify(secret string, storedHash *string, expiresAt *time.Time, now time.Time) error {
	if secret == "" || storedHash == nil || *storedHash == "" {
		return domain.ErrTokenInvalid
	}

	presented := Hash(secret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(*storedHash)) != 1 {
		return domain.ErrTokenInvalid
	}

	if expiresAt != nil && !now.Before(*expiresAt) {
		return domain.ErrTokenExpired
	}
	return nil
}

// ForJob returns the stored hash and expiry on job for scope
func ForJob(job *domain.Job, scope Scope) (hash *string, expiresAt *time.Time) {
	switch scope {
	case ScopeContractorComplete:
		return job.ContractorTokenHash, job.ContractorTokenExpiresAt
	case ScopeCustomerReview:
		return job.CustomerTokenHash, job.CustomerTokenExpiresAt
	}
	return nil, nil
}

// VerifyJob verifies secret against the token for scope stored on job
func VerifyJob(job *domain.Job, scope Scope, secret string, now time.Time) error {
	hash, exp := ForJob(job, scope)
	return Verify(secret, hash, exp, now)
}
