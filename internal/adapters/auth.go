package adapters

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/secrets"
)

// Authenticator builds per-request auth headers for downstream
// endpoints. Parameters carry references into the secret source, never
// the credentials themselves.
type Authenticator struct {
	secrets secrets.Source

	mu           sync.Mutex
	tokenSources map[string]oauth2.TokenSource
}

// NewAuthenticator creates an authenticator over the given secret source.
func NewAuthenticator(src secrets.Source) *Authenticator {
	return &Authenticator{
		secrets:      src,
		tokenSources: make(map[string]oauth2.TokenSource),
	}
}

// Headers returns the auth headers for one outbound request. body is
// the serialized request payload, used by detached-signature schemes.
func (a *Authenticator) Headers(ctx context.Context, method models.AuthMethod, params map[string]string, body []byte) (map[string]string, error) {
	switch method {
	case models.AuthNone, "":
		return nil, nil
	case models.AuthAPIKey:
		return a.apiKeyHeaders(params)
	case models.AuthJWT:
		return a.jwtHeaders(params)
	case models.AuthJWS:
		return a.jwsHeaders(params, body)
	case models.AuthOAuth2:
		return a.oauth2Headers(ctx, params)
	case models.AuthMTLS:
		// Transport-level; see ClientTLS.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown auth method %q", method)
	}
}

func (a *Authenticator) apiKeyHeaders(params map[string]string) (map[string]string, error) {
	header := params["header"]
	if header == "" {
		header = "X-API-Key"
	}
	key, err := a.secrets.Get(params["secret_path"], paramOr(params, "secret_key", "api_key"))
	if err != nil {
		return nil, fmt.Errorf("loading api key: %w", err)
	}
	return map[string]string{header: key}, nil
}

func (a *Authenticator) jwtHeaders(params map[string]string) (map[string]string, error) {
	signingKey, err := a.secrets.Get(params["secret_path"], paramOr(params, "secret_key", "signing_key"))
	if err != nil {
		return nil, fmt.Errorf("loading jwt signing key: %w", err)
	}
	ttl := 5 * time.Minute
	if raw := params["ttl_seconds"]; raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("bad ttl_seconds %q: %w", raw, err)
		}
		ttl = time.Duration(seconds) * time.Second
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": params["issuer"],
		"aud": params["audience"],
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if sub := params["subject"]; sub != "" {
		claims["sub"] = sub
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		return nil, fmt.Errorf("signing jwt: %w", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// jwsHeaders produces a detached signature over the request body: a
// JWT whose digest claim pins the payload.
func (a *Authenticator) jwsHeaders(params map[string]string, body []byte) (map[string]string, error) {
	signingKey, err := a.secrets.Get(params["secret_path"], paramOr(params, "secret_key", "signing_key"))
	if err != nil {
		return nil, fmt.Errorf("loading jws signing key: %w", err)
	}
	digest := sha256.Sum256(body)
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":    params["issuer"],
		"iat":    now.Unix(),
		"exp":    now.Add(5 * time.Minute).Unix(),
		"digest": base64.StdEncoding.EncodeToString(digest[:]),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		return nil, fmt.Errorf("signing jws: %w", err)
	}
	return map[string]string{"X-JWS-Signature": token}, nil
}

func (a *Authenticator) oauth2Headers(ctx context.Context, params map[string]string) (map[string]string, error) {
	ts, err := a.tokenSource(ctx, params)
	if err != nil {
		return nil, err
	}
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching oauth2 token: %w", err)
	}
	return map[string]string{"Authorization": "Bearer " + token.AccessToken}, nil
}

// tokenSource caches one client-credentials source per (token_url,
// client_id) so tokens are reused until expiry.
func (a *Authenticator) tokenSource(ctx context.Context, params map[string]string) (oauth2.TokenSource, error) {
	key := params["token_url"] + "|" + params["client_id"]
	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.tokenSources[key]; ok {
		return ts, nil
	}
	clientSecret, err := a.secrets.Get(params["secret_path"], paramOr(params, "secret_key", "client_secret"))
	if err != nil {
		return nil, fmt.Errorf("loading oauth2 client secret: %w", err)
	}
	cfg := &clientcredentials.Config{
		ClientID:     params["client_id"],
		ClientSecret: clientSecret,
		TokenURL:     params["token_url"],
	}
	if scopes := params["scopes"]; scopes != "" {
		cfg.Scopes = []string{scopes}
	}
	ts := cfg.TokenSource(ctx)
	a.tokenSources[key] = ts
	return ts, nil
}

// ClientTLS loads a client certificate pair from the secret source for
// mTLS endpoints.
func (a *Authenticator) ClientTLS(params map[string]string) (*tls.Config, error) {
	certPEM, err := a.secrets.Get(params["secret_path"], paramOr(params, "cert_key", "client_cert"))
	if err != nil {
		return nil, fmt.Errorf("loading client cert: %w", err)
	}
	keyPEM, err := a.secrets.Get(params["secret_path"], paramOr(params, "key_key", "client_key"))
	if err != nil {
		return nil, fmt.Errorf("loading client key: %w", err)
	}
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPEM, err := a.secrets.Get(params["secret_path"], "ca_cert"); err == nil {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM([]byte(caPEM)) {
			cfg.RootCAs = pool
		}
	}
	return cfg, nil
}

// VerifyJWS checks an incoming webhook's detached signature against
// the shared secret and the received body.
func (a *Authenticator) VerifyJWS(params map[string]string, signature string, body []byte) error {
	signingKey, err := a.secrets.Get(params["secret_path"], paramOr(params, "secret_key", "signing_key"))
	if err != nil {
		return fmt.Errorf("loading jws verification key: %w", err)
	}
	token, err := jwt.Parse(signature, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("unexpected claims type")
	}
	digest := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(digest[:])
	if got, _ := claims["digest"].(string); got != want {
		return fmt.Errorf("payload digest mismatch")
	}
	return nil
}

func paramOr(params map[string]string, key, fallback string) string {
	if v := params[key]; v != "" {
		return v
	}
	return fallback
}
