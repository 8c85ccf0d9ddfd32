package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Issue_And_Validate_Roundtrip(t *testing.T) {
	req := require.New(t)
	tokens := NewTokens("test-secret-for-unit-tests", time.Hour)

	signed, err := tokens.Issue(42, "alice@example.com")
	req.NoError(err)
	req.NotEmpty(signed)

	claims, err := tokens.Validate(signed)
	req.NoError(err)
	req.Equal(int64(42), claims.UserID)
	req.Equal("alice@example.com", claims.Email)
	req.Equal("hivechat", claims.Issuer)
}

func Test_Validate_Rejects_Expired_Token(t *testing.T) {
	req := require.New(t)
	tokens := NewTokens("test-secret-for-unit-tests", -time.Minute)

	signed, err := tokens.Issue(42, "alice@example.com")
	req.NoError(err)

	_, err = tokens.Validate(signed)
	req.Error(err)
}

func Test_Validate_Rejects_Wrong_Secret(t *testing.T) {
	req := require.New(t)
	issuer := NewTokens("one-secret", time.Hour)
	verifier := NewTokens("another-secret", time.Hour)

	signed, err := issuer.Issue(7, "bob@example.com")
	req.NoError(err)

	_, err = verifier.Validate(signed)
	req.Error(err)
}

func Test_Validate_Rejects_Garbage(t *testing.T) {
	req := require.New(t)
	tokens := NewTokens("test-secret-for-unit-tests", time.Hour)

	_, err := tokens.Validate("not-a-jwt")
	req.Error(err)

	_, err = tokens.Validate("")
	req.Error(err)
}
