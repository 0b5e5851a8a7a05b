package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Is(t *testing.T) {
	err := New(ErrAlreadyRedeemed, "user already redeemed PROMO1")

	assert.True(t, errors.Is(err, ErrAlreadyRedeemed))
	assert.False(t, errors.Is(err, ErrUsageLimitReached))
	assert.True(t, IsConflict(err))
	assert.Equal(t, KindAlreadyRedeemed, GetKind(err))
}

func TestDomainError_WrappedChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("approve: %w", Wrap(ErrTransferFailed, "transfer rejected", cause))

	assert.True(t, errors.Is(err, ErrTransferFailed))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsExternal(err))
	assert.Equal(t, ErrCodeExternal, GetErrorCode(err))
}

func TestGetErrorCode_NonDomain(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, GetErrorCode(errors.New("boom")))
	assert.Equal(t, Kind(""), GetKind(errors.New("boom")))
	assert.False(t, IsNotFound(nil))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Partner ")
	assert.NoError(t, err)
	assert.Equal(t, RolePartner, r)

	_, err = ParseRole("reseller")
	assert.True(t, errors.Is(err, ErrInvalidRole))
}

func TestNoSuchCode_IsNotFound(t *testing.T) {
	err := New(ErrNoSuchCode, "code not found")

	assert.True(t, IsNotFound(err))
	assert.Equal(t, ErrCodeNotFound, GetErrorCode(err))
	assert.Equal(t, KindCodeNotFound, GetKind(err))
	assert.False(t, errors.Is(err, ErrRequestNotFound))
}
