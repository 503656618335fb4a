package exchange

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/londonpotato1/standx-maker-bot/internal/config"
)

// signVersion is the request-signature scheme version StandX expects.
const signVersion = "v1"

// tokenLifetime is how long a login session is requested for;
// refreshMargin renews the token before it actually expires.
const (
	tokenLifetime = 7 * 24 * time.Hour
	refreshMargin = time.Hour
)

// session is one completed sign-in: a bearer JWT plus the ed25519 keypair
// whose public key was registered with the exchange during prepare-signin.
type session struct {
	token      string
	address    string
	requestID  string // base58 of the ed25519 public key
	signingKey ed25519.PrivateKey
	expiresAt  time.Time
}

// Auth handles the StandX wallet sign-in handshake and per-request signing.
//
// Flow:
//  1. Generate an ed25519 keypair; the base58 public key is the requestId.
//  2. POST /v1/offchain/prepare-signin → a JWT whose claims carry the
//     message the wallet must sign.
//  3. personal_sign the message with the EVM wallet key.
//  4. POST /v1/offchain/login → bearer JWT, valid ~7 days.
//
// Signed trading requests then carry the bearer token plus an ed25519
// signature over "{version},{requestId},{millisTimestamp},{canonicalBody}".
type Auth struct {
	http    *resty.Client
	chain   string
	address string
	privKey *ecdsa.PrivateKey
	logger  *slog.Logger

	mu   sync.Mutex
	sess *session
}

// NewAuth creates an Auth instance from config. The wallet private key is
// parsed once and kept only here.
func NewAuth(cfg config.Config, logger *slog.Logger) (*Auth, error) {
	keyHex := cfg.Wallet.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse wallet private key: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.StandX.AuthBaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Auth{
		http:    httpClient,
		chain:   cfg.StandX.Chain,
		address: cfg.Wallet.Address,
		privKey: privKey,
		logger:  logger.With("component", "auth"),
	}, nil
}

// Address returns the wallet address used for sign-in.
func (a *Auth) Address() string { return a.address }

// Login runs the full handshake and caches the session.
func (a *Auth) Login() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginLocked()
}

func (a *Auth) loginLocked() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return &AuthError{Stage: "keygen", Err: err}
	}
	requestID := base58.Encode(pub)

	signedData, err := a.prepareSignin(requestID)
	if err != nil {
		return &AuthError{Stage: "prepare-signin", Err: err}
	}

	message, err := extractMessage(signedData)
	if err != nil {
		return &AuthError{Stage: "decode signedData", Err: err}
	}

	signature, err := a.signWithWallet(message)
	if err != nil {
		return &AuthError{Stage: "wallet sign", Err: err}
	}

	token, address, err := a.login(signedData, signature)
	if err != nil {
		return &AuthError{Stage: "login", Err: err}
	}

	a.sess = &session{
		token:      token,
		address:    address,
		requestID:  requestID,
		signingKey: priv,
		expiresAt:  time.Now().Add(tokenLifetime),
	}
	a.logger.Info("authenticated", "address", shorten(address), "chain", a.chain)
	return nil
}

func (a *Auth) prepareSignin(requestID string) (string, error) {
	var result struct {
		SignedData string `json:"signedData"`
	}
	resp, err := a.http.R().
		SetQueryParam("chain", a.chain).
		SetBody(map[string]string{
			"address":   a.address,
			"requestId": requestID,
		}).
		SetResult(&result).
		Post("/v1/offchain/prepare-signin")
	if err != nil {
		return "", fmt.Errorf("prepare-signin: %w", err)
	}
	if resp.IsError() {
		return "", &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	if result.SignedData == "" {
		return "", fmt.Errorf("prepare-signin response missing signedData")
	}
	return result.SignedData, nil
}

// extractMessage pulls the sign-in message out of the prepare-signin JWT.
// The token is issued by StandX and verified server-side on login; locally
// it is only decoded.
func extractMessage(signedData string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(signedData, claims); err != nil {
		return "", fmt.Errorf("parse jwt: %w", err)
	}
	msg, _ := claims["message"].(string)
	if msg == "" {
		return "", fmt.Errorf("jwt has no message claim")
	}
	return msg, nil
}

// signWithWallet produces an EIP-191 personal_sign signature with 0x prefix.
func (a *Auth) signWithWallet(message string) (string, error) {
	hash := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(hash, a.privKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func (a *Auth) login(signedData, signature string) (token, address string, err error) {
	var result struct {
		Token   string `json:"token"`
		Address string `json:"address"`
		Chain   string `json:"chain"`
	}
	resp, err := a.http.R().
		SetQueryParam("chain", a.chain).
		SetBody(map[string]any{
			"signedData":     signedData,
			"signature":      signature,
			"expiresSeconds": int(tokenLifetime / time.Second),
		}).
		SetResult(&result).
		Post("/v1/offchain/login")
	if err != nil {
		return "", "", fmt.Errorf("login: %w", err)
	}
	if resp.IsError() {
		return "", "", &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	if result.Token == "" {
		return "", "", fmt.Errorf("login response missing token")
	}
	if result.Address == "" {
		result.Address = a.address
	}
	return result.Token, result.Address, nil
}

// current returns a live session, re-authenticating when the token is
// missing or within refreshMargin of expiry.
func (a *Auth) current() (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess == nil || time.Until(a.sess.expiresAt) < refreshMargin {
		if a.sess != nil {
			a.logger.Info("token near expiry, re-authenticating")
		}
		if err := a.loginLocked(); err != nil {
			return nil, err
		}
	}
	return a.sess, nil
}

// Token returns the bearer JWT for WebSocket private-channel auth.
func (a *Auth) Token() (string, error) {
	sess, err := a.current()
	if err != nil {
		return "", err
	}
	return sess.token, nil
}

// AuthHeaders returns the Authorization header for private REST calls.
func (a *Auth) AuthHeaders() (map[string]string, error) {
	sess, err := a.current()
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + sess.token}, nil
}

// SignRequest signs the exact body bytes to be transmitted and returns the
// x-request-* headers. The caller must send body verbatim — re-serialization
// between signing and sending breaks verification.
func (a *Auth) SignRequest(body []byte) (map[string]string, error) {
	sess, err := a.current()
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := signVersion + "," + requestID + "," + ts + "," + string(body)

	sig := ed25519.Sign(sess.signingKey, []byte(message))

	return map[string]string{
		"x-request-sign-version": signVersion,
		"x-request-id":           requestID,
		"x-request-timestamp":    ts,
		"x-request-signature":    base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// IsAuthenticated reports whether a non-expired session exists.
func (a *Auth) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess != nil && time.Now().Before(a.sess.expiresAt)
}

func shorten(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:10] + "…"
}
