package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrHashingFailed = errors.New("code hashing failed")
	ErrCodeMismatch  = errors.New("code does not match")
)

const CodeLength = 6

// CodeHasher stores one-time codes as one-way digests.
type CodeHasher interface {
	Hash(code string) (string, error)
	Compare(digest, code string) error
}

type bcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a code hasher using bcrypt
func NewBcryptHasher(cost int) CodeHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &bcryptHasher{cost: cost}
}

func (b *bcryptHasher) Hash(code string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(code), b.cost)
	if err != nil {
		return "", ErrHashingFailed
	}
	return string(bytes), nil
}

// Compare runs in constant time with respect to the digest.
func (b *bcryptHasher) Compare(digest, code string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(code)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrCodeMismatch
		}
		return fmt.Errorf("failed to compare code: %w", err)
	}
	return nil
}

// GenerateCode returns a uniformly random numeric code of CodeLength digits.
func GenerateCode() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}
