package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 2, 7)

	tokenString, err := manager.GenerateToken(42, "alice", "admin")
	require.NoError(t, err)

	claims, err := manager.VerifyToken(tokenString)
	require.NoError(t, err)

	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, TypeAccess, claims.TokenType)
}

func TestRefreshTokenCarriesRefreshType(t *testing.T) {
	manager := NewJWTManager("test-secret", 2, 7)

	tokenString, err := manager.GenerateRefreshToken(42, "alice", "user")
	require.NoError(t, err)

	claims, err := manager.VerifyToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, TypeRefresh, claims.TokenType)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	manager := NewJWTManager("secret-a", 2, 7)
	other := NewJWTManager("secret-b", 2, 7)

	tokenString, err := manager.GenerateToken(1, "alice", "user")
	require.NoError(t, err)

	_, err = other.VerifyToken(tokenString)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	// 过期时长为 0 小时，签发即过期
	manager := NewJWTManager("test-secret", 0, 7)

	tokenString, err := manager.GenerateToken(1, "alice", "user")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = manager.VerifyToken(tokenString)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	manager := NewJWTManager("test-secret", 2, 7)

	_, err := manager.VerifyToken("not.a.jwt")
	assert.Error(t, err)
}

func TestGenerateRandomStringHexLength(t *testing.T) {
	s1 := GenerateRandomString(16)
	s2 := GenerateRandomString(16)

	assert.Len(t, s1, 32)
	assert.NotEqual(t, s1, s2)
}
