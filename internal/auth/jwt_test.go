package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_RoundTrip(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)

	token, expiresAt, err := m.Generate("alice", RoleOperator)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "alice", claims.Subject)
}

func TestTokenManager_Expired(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, _, err := m.Generate("alice", RoleOperator)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenManager_WrongSecret(t *testing.T) {
	token, _, err := NewTokenManager("one", time.Minute).Generate("alice", RoleViewer)
	require.NoError(t, err)

	_, err = NewTokenManager("two", time.Minute).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenManager_Garbage(t *testing.T) {
	_, err := NewTokenManager("secret", time.Minute).Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenManager_GenerateValidation(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)

	_, _, err := m.Generate("", RoleOperator)
	assert.Error(t, err)

	_, _, err = m.Generate("alice", "admin")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestTokenManager_RandomSecret(t *testing.T) {
	a := NewTokenManager("", 0)
	b := NewTokenManager("", 0)

	token, _, err := a.Generate("alice", RoleOperator)
	require.NoError(t, err)

	_, err = a.Validate(token)
	assert.NoError(t, err)
	_, err = b.Validate(token)
	assert.Error(t, err)
}
