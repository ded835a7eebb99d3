package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseJWT(t *testing.T) {
	tokenStr, err := GenerateJWT("user-1", string(RoleMember), "chat_service")
	require.NoError(t, err)

	claims, err := ParseJWT(tokenStr)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, string(RoleMember), claims.Role)
	assert.Equal(t, "chat_service", claims.Issuer)
}

func TestParseJWT_Expired(t *testing.T) {
	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(JWTSecret)
	require.NoError(t, err)

	_, err = ParseJWT(tokenStr)
	assert.Error(t, err)
}

func TestParseJWT_WrongSecret(t *testing.T) {
	claims := Claims{UserID: "user-1"}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
	require.NoError(t, err)

	_, err = ParseJWT(tokenStr)
	assert.Error(t, err)
}

func TestParseJWT_MissingUser(t *testing.T) {
	tokenStr, err := GenerateJWT("", string(RoleMember), "chat_service")
	require.NoError(t, err)

	_, err = ParseJWT(tokenStr)
	assert.Error(t, err)
}
