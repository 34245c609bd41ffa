package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("Sup3rSecret")
	require.NoError(t, err)
	assert.True(t, CheckPassword("Sup3rSecret", hash))
	assert.False(t, CheckPassword("wrong", hash))
}

func TestPasswordStrengthRules(t *testing.T) {
	assert.True(t, ValidatePasswordStrength("Abcdef12"))
	assert.False(t, ValidatePasswordStrength("Ab1"), "too short")
	assert.False(t, ValidatePasswordStrength("abcdef12"), "no upper case")
	assert.False(t, ValidatePasswordStrength("ABCDEF12"), "no lower case")
	assert.False(t, ValidatePasswordStrength("Abcdefgh"), "no digit")
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole(RoleUser))
	assert.True(t, ValidRole(RoleReviewer))
	assert.True(t, ValidRole(RoleAdmin))
	assert.False(t, ValidRole("superuser"))
}

func TestTokenCarriesIdentity(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)
	userID := uuid.New()

	token, err := manager.GenerateToken(userID, "reviewer@example.com", RoleReviewer)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "reviewer@example.com", claims.Email)
	assert.Equal(t, RoleReviewer, claims.Role)
}

func TestExpiredTokenRejected(t *testing.T) {
	manager := NewJWTManager("test-secret", -time.Minute)

	token, err := manager.GenerateToken(uuid.New(), "reviewer@example.com", RoleReviewer)
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
