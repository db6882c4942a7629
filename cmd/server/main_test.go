package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/logging"
)

func testConfig(t *testing.T) (config.Config, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	cfg := config.FromEnv()
	cfg.DB.Driver = config.DriverMemory
	cfg.NSQ.Enabled = false
	cfg.Tracing.Enabled = false
	cfg.Auth.PublicKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	cfg.Auth.JWKSURL = ""
	cfg.Auth.TrustIdentityHeader = false
	cfg.HTTPPort = "127.0.0.1:0"
	cfg.GRPCPort = "127.0.0.1:0"
	return cfg, key
}

func quietLogger() *logging.Logger {
	l := logging.New("server-test")
	l.SetOutput(io.Discard)
	return l
}

func token(t *testing.T, key *rsa.PrivateKey, cfg config.Config, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": cfg.Auth.Issuer,
		"aud": cfg.Auth.Audience,
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestNewAppServesAuthenticatedAPI(t *testing.T) {
	cfg, key := testConfig(t)
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(a.close)

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/subscriptions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/subscriptions",
		strings.NewReader(`{"name":"all","filters":{}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, key, cfg, "alice"))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sub struct {
		ID    int64  `json:"id"`
		Owner string `json:"owner"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	assert.Equal(t, "alice", sub.Owner)
	assert.Positive(t, sub.ID)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "harborfeed_")
}

func TestNewAppRequiresKey(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Auth.PublicKeyPEM = ""

	_, err := newApp(context.Background(), cfg, quietLogger())
	require.Error(t, err)

	cfg.Auth.TrustIdentityHeader = true
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	a.close()
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg, _ := testConfig(t)
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(a.close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
