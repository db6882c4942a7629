package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/auth"
	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/logging"
)

// issuer signs development tokens and publishes its public key as a JWKS
type issuer struct {
	key        *rsa.PrivateKey
	keyID      string
	issuer     string
	audience   string
	defaultTTL time.Duration
}

type tokenRequest struct {
	Identity   string `json:"identity"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// loadKey parses a PKCS1 or PKCS8 PEM key, generating one when pemData is empty
func loadKey(pemData string) (*rsa.PrivateKey, bool, error) {
	if pemData == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		return key, true, err
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return key, false, nil
}

func (s *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/.well-known/jwks.json", s.jwks)
	r.Post("/token", s.createToken)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{
		Keys: []auth.JSONWebKey{auth.NewJSONWebKey(s.keyID, &s.key.PublicKey)},
	})
}

func (s *issuer) createToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("invalid JSON"))
		return
	}
	if req.Identity == "" {
		writeError(w, apperr.Invalid("identity is required"))
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, apperr.Invalid("ttl_seconds must not be negative"))
		return
	}
	ttl := s.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	signed, err := s.sign(req.Identity, ttl)
	if err != nil {
		writeError(w, fmt.Errorf("sign token: %w", err))
		return
	}
	logging.WithContext(r.Context()).WithIdentity(req.Identity).Info("token issued")
	writeJSON(w, http.StatusOK, tokenResponse{Token: signed, ExpiresIn: int(ttl.Seconds()), TokenType: "Bearer"})
}

func (s *issuer) sign(identity string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": s.issuer,
		"aud": s.audience,
		"sub": identity,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	token.Header["kid"] = s.keyID
	return token.SignedString(s.key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, env := apperr.ToEnvelope(err)
	writeJSON(w, status, env)
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("token-issuer")

	key, generated, err := loadKey(cfg.TokenIssuer.PrivateKeyPEM)
	if err != nil {
		logging.Plain().WithError(err).Fatal("failed to load signing key")
	}
	if generated {
		logging.Plain().Warn("JWT_PRIVATE_KEY not set; generated an ephemeral RSA key")
	}

	s := &issuer{
		key:        key,
		keyID:      cfg.TokenIssuer.KeyID,
		issuer:     cfg.Auth.Issuer,
		audience:   cfg.Auth.Audience,
		defaultTTL: cfg.TokenIssuer.DefaultTTL,
	}
	srv := &http.Server{Addr: cfg.TokenIssuer.Port, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Plain().WithFields(map[string]any{
		"addr": srv.Addr,
		"kid":  s.keyID,
	}).Info("token issuer listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Plain().WithError(err).Fatal("token issuer failed")
	}
}
