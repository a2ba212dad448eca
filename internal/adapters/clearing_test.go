package adapters

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
	"github.com/kranthikarthan/payment-engine/internal/secrets"
)

func newTestClearingAdapter(auth *Authenticator) *ClearingAdapter {
	dispatcher := resilience.NewDispatcher(nil, resilience.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	return NewClearingAdapter(dispatcher, auth, zap.NewNop())
}

// selfSignedPair generates a certificate usable as both the server and
// the client identity for a loopback TLS exchange.
func selfSignedPair(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "loopback"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(crand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// TestDispatchMTLSPresentsClientCertificate tests that an MTLS
// endpoint is dispatched with the client certificate from the secret
// source. The server requires and verifies the certificate, so the
// exchange only succeeds when the transport is actually configured.
func TestDispatchMTLSPresentsClientCertificate(t *testing.T) {
	certPEM, keyPEM := selfSignedPair(t)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ACCEPTED"})
	}))
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	auth := NewAuthenticator(secrets.StaticSource{
		"secret/clearing/mtls": {
			"client_cert": string(certPEM),
			"client_key":  string(keyPEM),
			"ca_cert":     string(certPEM),
		},
	})
	adapter := newTestClearingAdapter(auth)

	endpoint := &models.Endpoint{
		ID:                 uuid.New(),
		ClearingSystemCode: "SEPA",
		Name:               "mtls-primary",
		EndpointType:       models.EndpointSync,
		MessageType:        "pacs.008",
		URL:                srv.URL,
		HTTPMethod:         "POST",
		AuthMethod:         models.AuthMTLS,
		AuthConfig:         datatypes.JSON(`{"secret_path":"secret/clearing/mtls"}`),
	}
	s := resilience.DefaultSettings()
	s.MaxAttempts = 1

	res, err := adapter.Dispatch(context.Background(), endpoint, "tenant-a", "TX-1",
		map[string]interface{}{"MsgId": "M-1"}, s)
	require.NoError(t, err)
	assert.Equal(t, DispatchAccepted, res.Status)
	assert.False(t, res.FallbackUsed)
}

// TestDispatchMTLSMissingSecretFails tests that a misconfigured MTLS
// endpoint fails before anything leaves the process.
func TestDispatchMTLSMissingSecretFails(t *testing.T) {
	auth := NewAuthenticator(secrets.StaticSource{})
	adapter := newTestClearingAdapter(auth)

	endpoint := &models.Endpoint{
		ID:                 uuid.New(),
		ClearingSystemCode: "SEPA",
		Name:               "mtls-broken",
		MessageType:        "pacs.008",
		URL:                "https://clearing.invalid/v1/messages",
		HTTPMethod:         "POST",
		AuthMethod:         models.AuthMTLS,
		AuthConfig:         datatypes.JSON(`{"secret_path":"secret/missing"}`),
	}

	_, err := adapter.Dispatch(context.Background(), endpoint, "tenant-a", "TX-1",
		map[string]interface{}{"MsgId": "M-1"}, resilience.DefaultSettings())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client certificate")
}
