package main

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/webhook"
)

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"event":"data.created"}`)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	leeway := 5 * time.Minute
	validSig := webhook.Sign(secret, body)

	tests := []struct {
		name      string
		secret    string
		timestamp string
		signature string
		leeway    time.Duration
		want      string
	}{
		{name: "valid signature", secret: secret, timestamp: now, signature: validSig, leeway: leeway, want: ""},
		{name: "missing timestamp", secret: secret, signature: validSig, leeway: leeway, want: "missing headers"},
		{name: "missing signature", secret: secret, timestamp: now, leeway: leeway, want: "missing headers"},
		{name: "invalid timestamp format", secret: secret, timestamp: "not-a-number", signature: validSig, leeway: leeway, want: "invalid timestamp"},
		{
			name:      "timestamp too old",
			secret:    secret,
			timestamp: strconv.FormatInt(time.Now().Add(-leeway-time.Minute).Unix(), 10),
			signature: validSig,
			leeway:    leeway,
			want:      "timestamp outside leeway",
		},
		{
			name:      "old timestamp with leeway disabled",
			secret:    secret,
			timestamp: strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10),
			signature: validSig,
			want:      "",
		},
		{name: "bad signature scheme", secret: secret, timestamp: now, signature: "md5=abcdef", leeway: leeway, want: "sig mismatch"},
		{name: "wrong secret", secret: "wrong-secret", timestamp: now, signature: validSig, leeway: leeway, want: "sig mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verifySignature(tt.secret, body, tt.timestamp, tt.signature, tt.leeway); got != tt.want {
				t.Errorf("verifySignature() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		length   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello..."},
		{"", 5, ""},
		{"hello", 0, "..."},
	}

	for _, tt := range tests {
		if got := truncate(tt.input, tt.length); got != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.length, got, tt.expected)
		}
	}
}

func TestHandleHook(t *testing.T) {
	const payload = `{"event":"data.created","data":{"id":1}}`
	signed := func(secret string) map[string]string {
		return map[string]string{
			webhook.HeaderTimestamp: strconv.FormatInt(time.Now().Unix(), 10),
			webhook.HeaderSignature: webhook.Sign(secret, []byte(payload)),
		}
	}

	tests := []struct {
		name                 string
		headers              map[string]string
		cfg                  config.FakeReceiver
		expectedStatus       int
		expectedBodyContains string
	}{
		{
			name:                 "successful request",
			cfg:                  config.FakeReceiver{},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
		{
			name:                 "fail first request",
			cfg:                  config.FakeReceiver{FailFirstN: 1},
			expectedStatus:       http.StatusInternalServerError,
			expectedBodyContains: "temporary failure",
		},
		{
			name: "missing signature with secret configured",
			headers: map[string]string{
				webhook.HeaderTimestamp: strconv.FormatInt(time.Now().Unix(), 10),
			},
			cfg:                  config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid signature",
		},
		{
			name:                 "signed with another secret",
			headers:              signed("other-secret"),
			cfg:                  config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "sig mismatch",
		},
		{
			name:                 "valid signature with secret",
			headers:              signed("test-secret"),
			cfg:                  config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqCount.Store(0)

			req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(payload))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handleHook(w, req, tt.cfg)

			if w.Code != tt.expectedStatus {
				t.Errorf("handleHook() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if !strings.Contains(w.Body.String(), tt.expectedBodyContains) {
				t.Errorf("handleHook() body = %q, want to contain %q", w.Body.String(), tt.expectedBodyContains)
			}
		})
	}
}

func TestHandleHookRecoversAfterFailures(t *testing.T) {
	reqCount.Store(0)
	cfg := config.FakeReceiver{FailFirstN: 2}

	want := []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK}
	for i, code := range want {
		w := httptest.NewRecorder()
		handleHook(w, httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader("{}")), cfg)
		if w.Code != code {
			t.Errorf("request %d status = %d, want %d", i+1, w.Code, code)
		}
	}
}
