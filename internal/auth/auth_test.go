package auth

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateAPIKey(t *testing.T) {
	a := New("secret", "", 0)
	require.NoError(t, a.Authenticate("secret"))
	require.NoError(t, a.Authenticate("Bearer secret"))
	require.True(t, errors.Is(a.Authenticate(""), ErrMissingCredential))
	require.True(t, errors.Is(a.Authenticate("wrong"), ErrInvalidCredential))
}

func TestAuthenticateToken(t *testing.T) {
	a := New("secret", "signing-key", 0)

	token, err := IssueToken("signing-key", "secret", time.Minute)
	require.NoError(t, err)
	require.NoError(t, a.Authenticate(token))

	wrongKey, err := IssueToken("signing-key", "other", time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, a.Authenticate(wrongKey), ErrInvalidCredential)

	forged, err := IssueToken("not-the-key", "secret", time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, a.Authenticate(forged), ErrInvalidCredential)

	expired, err := IssueToken("signing-key", "secret", -time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, a.Authenticate(expired), ErrInvalidCredential)
}

func TestAuthenticateRejectsOtherAlgorithms(t *testing.T) {
	a := New("secret", "signing-key", 0)
	claims := tokenClaims{APIKey: "secret"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("signing-key"))
	require.NoError(t, err)
	require.ErrorIs(t, a.Authenticate(token), ErrInvalidCredential)
}

func TestRateLimitPerCredential(t *testing.T) {
	a := New("secret", "", 2)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	require.NoError(t, a.Authenticate("secret"))
	require.NoError(t, a.Authenticate("secret"))
	require.ErrorIs(t, a.Authenticate("secret"), ErrRateLimited)

	now = now.Add(30 * time.Second)
	require.NoError(t, a.Authenticate("secret"))
}

func TestRateLimitSharedAcrossTokensForOneKey(t *testing.T) {
	a := New("", "signing-key", 2)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	first, err := IssueToken("signing-key", "tenant-a", time.Hour)
	require.NoError(t, err)
	second, err := IssueToken("signing-key", "tenant-a", 2*time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.NoError(t, a.Authenticate(first))
	require.NoError(t, a.Authenticate(second))
	require.ErrorIs(t, a.Authenticate(first), ErrRateLimited)

	other, err := IssueToken("signing-key", "tenant-b", time.Hour)
	require.NoError(t, err)
	require.NoError(t, a.Authenticate(other))
}

func TestRateLimitSharedBetweenKeyAndToken(t *testing.T) {
	a := New("secret", "signing-key", 2)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	token, err := IssueToken("signing-key", "secret", time.Hour)
	require.NoError(t, err)
	require.NoError(t, a.Authenticate("secret"))
	require.NoError(t, a.Authenticate(token))
	require.ErrorIs(t, a.Authenticate("secret"), ErrRateLimited)
	require.Equal(t, 1, a.limiters.Len())
}

func TestLimiterTableIsBounded(t *testing.T) {
	a := New("", "signing-key", 10)
	for i := 0; i < maxLimiters+50; i++ {
		require.True(t, a.allow(fmt.Sprintf("claim:key-%d", i)))
	}
	require.Equal(t, maxLimiters, a.limiters.Len())
}
