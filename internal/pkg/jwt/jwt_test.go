package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "benchmarking-test-secret"

func signClaims(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(42, testSecret, 2)
	require.NoError(t, err)

	claims, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)

	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	assert.Equal(t, 2*time.Hour, lifetime)
	assert.False(t, claims.NotBefore.After(time.Now()))
}

func TestParseToken(t *testing.T) {
	now := time.Now()
	valid := Claims{
		UserID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	expired := Claims{
		UserID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	}
	notYet := Claims{
		UserID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Hour)),
			NotBefore: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantErr error
	}{
		{
			name:   "valid",
			token:  signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), valid),
			secret: testSecret,
		},
		{
			name:   "hs512 accepted",
			token:  signClaims(t, jwt.SigningMethodHS512, []byte(testSecret), valid),
			secret: testSecret,
		},
		{
			name:    "wrong secret",
			token:   signClaims(t, jwt.SigningMethodHS256, []byte("other"), valid),
			secret:  testSecret,
			wantErr: ErrInvalidToken,
		},
		{
			name:    "expired",
			token:   signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), expired),
			secret:  testSecret,
			wantErr: ErrExpiredToken,
		},
		{
			name:    "not yet valid",
			token:   signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), notYet),
			secret:  testSecret,
			wantErr: ErrInvalidToken,
		},
		{
			name:    "unsigned",
			token:   signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid),
			secret:  testSecret,
			wantErr: ErrInvalidToken,
		},
		{
			name:    "garbage",
			token:   "not-a-token",
			secret:  testSecret,
			wantErr: ErrInvalidToken,
		},
		{
			name:    "empty",
			token:   "",
			secret:  testSecret,
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseToken(tt.token, tt.secret)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(7), claims.UserID)
		})
	}
}

func TestParseToken_DistinctUsers(t *testing.T) {
	for _, id := range []int64{1, 2, 1 << 40} {
		token, err := GenerateToken(id, testSecret, 1)
		require.NoError(t, err)

		claims, err := ParseToken(token, testSecret)
		require.NoError(t, err)
		assert.Equal(t, id, claims.UserID)
	}
}
