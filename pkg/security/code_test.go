package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Len(t, code, CodeLength)
		assert.Regexp(t, `^[0-9]{6}$`, code)
	}
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	digest, err := h.Hash("123456")
	require.NoError(t, err)
	assert.NotContains(t, digest, "123456")

	assert.NoError(t, h.Compare(digest, "123456"))
	assert.ErrorIs(t, h.Compare(digest, "123457"), ErrCodeMismatch)
}
