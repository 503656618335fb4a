package exchange

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestAuth builds an Auth with a ready session, skipping the network
// handshake.
func newTestAuth(t *testing.T) (*Auth, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a := &Auth{
		chain:   "bsc",
		address: "0xabc",
		logger:  testLogger(),
		sess: &session{
			token:      "test-jwt",
			address:    "0xabc",
			requestID:  "req",
			signingKey: priv,
			expiresAt:  time.Now().Add(24 * time.Hour),
		},
	}
	return a, pub
}

func TestSignRequestVerifiable(t *testing.T) {
	t.Parallel()
	a, pub := newTestAuth(t)

	body := []byte(`{"price":"49962.5","qty":"0.002","side":"buy","symbol":"BTC-USD"}`)
	headers, err := a.SignRequest(body)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	for _, key := range []string{"x-request-sign-version", "x-request-id", "x-request-timestamp", "x-request-signature"} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
	if headers["x-request-sign-version"] != "v1" {
		t.Errorf("sign version = %q, want v1", headers["x-request-sign-version"])
	}

	// Timestamp is epoch millis.
	ts, err := strconv.ParseInt(headers["x-request-timestamp"], 10, 64)
	if err != nil {
		t.Fatalf("bad timestamp: %v", err)
	}
	if drift := time.Since(time.UnixMilli(ts)); drift > time.Minute || drift < -time.Minute {
		t.Errorf("timestamp drift %v", drift)
	}

	// The signature covers "{ver},{id},{ts},{body}" with the exact body
	// bytes — what verifies here is what the server would verify.
	message := headers["x-request-sign-version"] + "," +
		headers["x-request-id"] + "," +
		headers["x-request-timestamp"] + "," + string(body)
	sig, err := base64.StdEncoding.DecodeString(headers["x-request-signature"])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !ed25519.Verify(pub, []byte(message), sig) {
		t.Error("signature does not verify over the transmitted bytes")
	}
}

func TestSignRequestUniqueIDs(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuth(t)

	h1, _ := a.SignRequest([]byte(`{}`))
	h2, _ := a.SignRequest([]byte(`{}`))
	if h1["x-request-id"] == h2["x-request-id"] {
		t.Error("request ids must be unique per request")
	}
}

func TestAuthHeaders(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuth(t)

	headers, err := a.AuthHeaders()
	if err != nil {
		t.Fatalf("AuthHeaders: %v", err)
	}
	if headers["Authorization"] != "Bearer test-jwt" {
		t.Errorf("Authorization = %q", headers["Authorization"])
	}
}

func TestExtractMessage(t *testing.T) {
	t.Parallel()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"message":"Sign in to StandX","nonce":"n1"}`))
	token := header + "." + payload + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))

	msg, err := extractMessage(token)
	if err != nil {
		t.Fatalf("extractMessage: %v", err)
	}
	if msg != "Sign in to StandX" {
		t.Errorf("message = %q", msg)
	}
}

func TestExtractMessageMissingClaim(t *testing.T) {
	t.Parallel()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"nonce":"n1"}`))
	token := header + "." + payload + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))

	if _, err := extractMessage(token); err == nil {
		t.Error("expected error for missing message claim")
	}
}

func TestCanonicalBodyIsSortedMinimalJSON(t *testing.T) {
	t.Parallel()

	// The gateway builds payloads as maps; encoding/json emits sorted keys
	// with no whitespace, which is the canonical form the scheme requires.
	body, err := json.Marshal(map[string]any{
		"symbol":        "BTC-USD",
		"side":          "buy",
		"qty":           "0.002",
		"price":         "49962.5",
		"reduce_only":   false,
		"leverage":      10,
		"margin_mode":   "cross",
		"order_type":    "limit",
		"time_in_force": "gtc",
	})
	if err != nil {
		t.Fatal(err)
	}

	want := `{"leverage":10,"margin_mode":"cross","order_type":"limit","price":"49962.5","qty":"0.002","reduce_only":false,"side":"buy","symbol":"BTC-USD","time_in_force":"gtc"}`
	if string(body) != want {
		t.Errorf("canonical body:\n got %s\nwant %s", body, want)
	}
}

func TestIsAuthenticated(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuth(t)

	if !a.IsAuthenticated() {
		t.Error("fresh session should report authenticated")
	}

	a.mu.Lock()
	a.sess.expiresAt = time.Now().Add(-time.Minute)
	a.mu.Unlock()
	if a.IsAuthenticated() {
		t.Error("expired session should not report authenticated")
	}
}
