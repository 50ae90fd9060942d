package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/build-cache-node/types"
)

func TestKeyValidator(t *testing.T) {
	validator, err := NewKeyValidator(testKeyPattern)
	require.NoError(t, err)

	valid := []string{
		"doesnotexist",
		"0f4e5a6b7c8d9e0f1a2b3c4d5e6f7a8b",
		"aGVsbG8td29ybGQ_",
	}
	for _, key := range valid {
		assert.NoError(t, validator.Validate(key), key)
	}

	invalid := []string{"badkey!!", "", "has space", "a.b"}
	for _, key := range invalid {
		assert.ErrorIs(t, validator.Validate(key), types.ErrInvalidKey, key)
	}
}

func TestKeyValidatorRefusesPathsUnderPermissivePattern(t *testing.T) {
	validator, err := NewKeyValidator(`.*`)
	require.NoError(t, err)

	for _, key := range []string{"..", ".", "../etc", `a\b`} {
		assert.ErrorIs(t, validator.Validate(key), types.ErrInvalidKey, key)
	}
}

func TestKeyValidatorBadPattern(t *testing.T) {
	_, err := NewKeyValidator(`[`)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
