package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Categorize(nil))
	})

	t.Run("finds categorized error through wrapping", func(t *testing.T) {
		base := NewDatabaseError("insert logs", stderrors.New("conn reset"))
		wrapped := fmt.Errorf("live step: %w", base)

		got := Categorize(wrapped)
		assert.Equal(t, CategoryDatabase, got.Category)
		assert.Equal(t, "DATABASE_ERROR", got.Code)
	})

	t.Run("plain errors become internal", func(t *testing.T) {
		got := Categorize(stderrors.New("boom"))
		assert.Equal(t, CategorySystem, got.Category)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"provider", NewProviderError("rpc", stderrors.New("503")), true},
		{"database", NewDatabaseError("select", nil), true},
		{"misconfiguration", NewMisconfigurationError("topic is not an address", nil), false},
		{"validation", NewInvalidAddressError("0xnope"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCategoryPredicates(t *testing.T) {
	mis := fmt.Errorf("wrap: %w", NewMisconfigurationError("missing metadata argument", map[string]interface{}{"argument": "tokenId"}))
	assert.True(t, IsMisconfiguration(mis))
	assert.False(t, IsValidation(mis))

	val := NewInvalidParameterError("topic0", "must be a 32 byte hash")
	assert.True(t, IsValidation(val))
	assert.False(t, IsMisconfiguration(val))
	assert.Contains(t, val.Error(), "topic0")
}

func TestCategorizedError_Unwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := NewDecodingError("unpack failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "caused by: root cause")
}
