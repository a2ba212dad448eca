package adapters

import (
	"context"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/secrets"
)

func testAuthenticator() *Authenticator {
	return NewAuthenticator(secrets.StaticSource{
		"secret/downstream": {
			"api_key":     "key-123",
			"signing_key": "hmac-secret",
		},
	})
}

// TestHeadersNone tests that unauthenticated endpoints get no headers
func TestHeadersNone(t *testing.T) {
	a := testAuthenticator()

	headers, err := a.Headers(context.Background(), models.AuthNone, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, headers)
}

// TestAPIKeyHeaders tests key lookup and the custom header name
func TestAPIKeyHeaders(t *testing.T) {
	a := testAuthenticator()

	headers, err := a.Headers(context.Background(), models.AuthAPIKey, map[string]string{
		"secret_path": "secret/downstream",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "key-123", headers["X-API-Key"])

	headers, err = a.Headers(context.Background(), models.AuthAPIKey, map[string]string{
		"secret_path": "secret/downstream",
		"header":      "X-Gateway-Key",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "key-123", headers["X-Gateway-Key"])
}

// TestAPIKeyHeadersMissingSecret tests the missing-reference failure
func TestAPIKeyHeadersMissingSecret(t *testing.T) {
	a := testAuthenticator()

	_, err := a.Headers(context.Background(), models.AuthAPIKey, map[string]string{
		"secret_path": "secret/nowhere",
	}, nil)
	assert.Error(t, err)
}

// TestJWTHeaders tests bearer token issuance and claims
func TestJWTHeaders(t *testing.T) {
	a := testAuthenticator()

	headers, err := a.Headers(context.Background(), models.AuthJWT, map[string]string{
		"secret_path": "secret/downstream",
		"issuer":      "payment-engine",
		"audience":    "core-banking",
		"subject":     "tenant-a",
	}, nil)
	require.NoError(t, err)

	raw := strings.TrimPrefix(headers["Authorization"], "Bearer ")
	require.NotEqual(t, headers["Authorization"], raw)

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte("hmac-secret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "payment-engine", claims["iss"])
	assert.Equal(t, "core-banking", claims["aud"])
	assert.Equal(t, "tenant-a", claims["sub"])
}

// TestJWSRoundTrip tests that a detached signature verifies against the
// body it was produced for and nothing else.
func TestJWSRoundTrip(t *testing.T) {
	a := testAuthenticator()
	params := map[string]string{"secret_path": "secret/downstream", "issuer": "payment-engine"}
	body := []byte(`{"MsgId":"M-1"}`)

	headers, err := a.Headers(context.Background(), models.AuthJWS, params, body)
	require.NoError(t, err)
	signature := headers["X-JWS-Signature"]
	require.NotEmpty(t, signature)

	assert.NoError(t, a.VerifyJWS(params, signature, body))
	assert.Error(t, a.VerifyJWS(params, signature, []byte(`{"MsgId":"M-2"}`)))
	assert.Error(t, a.VerifyJWS(params, "not-a-jws", body))
}
