package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidToken covers malformed tokens and signature mismatches.
	ErrInvalidToken = errors.New("invalid rider token")
	// ErrExpiredToken means the token was valid once but is past its expiry.
	ErrExpiredToken = errors.New("rider token expired")
	// ErrMissingToken means the request carried no token at all.
	ErrMissingToken = errors.New("missing rider token")
)

const (
	// QueryParam carries the token for browser WebSocket clients.
	QueryParam = "auth_token"
	// HeaderName carries the token for programmatic clients.
	HeaderName = "X-Auth-Token"
)

var tokenHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// Claims identify the rider a token was issued to.
type Claims struct {
	Rider     string    `json:"sub"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type wireClaims struct {
	Subject string `json:"sub"`
	Issued  int64  `json:"iat,omitempty"`
	Expires int64  `json:"exp"`
}

// RiderTokens signs and verifies compact HS256 tokens shared with a lobby
// or launcher that hands riders their credentials.
type RiderTokens struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewRiderTokens builds a signer/verifier for secret. leeway tolerates clock
// skew on expiry.
func NewRiderTokens(secret string, leeway time.Duration) (*RiderTokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("rider token secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &RiderTokens{secret: []byte(secret), leeway: leeway, now: time.Now}, nil
}

// WithClock overrides the clock used for expiry checks and issuing.
func (r *RiderTokens) WithClock(clock func() time.Time) *RiderTokens {
	if clock != nil {
		r.now = clock
	}
	return r
}

// Issue signs a token for rider valid for ttl.
func (r *RiderTokens) Issue(rider string, ttl time.Duration) (string, error) {
	rider = strings.TrimSpace(rider)
	if rider == "" {
		return "", errors.New("rider must not be empty")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := r.now()
	body, err := json.Marshal(wireClaims{Subject: rider, Issued: now.Unix(), Expires: now.Add(ttl).Unix()})
	if err != nil {
		return "", err
	}
	signing := tokenHeader + "." + base64.RawURLEncoding.EncodeToString(body)
	return signing + "." + base64.RawURLEncoding.EncodeToString(r.mac(signing)), nil
}

// Verify checks the signature and expiry and returns the claims.
func (r *RiderTokens) Verify(token string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}

	//1.- Only HS256 is accepted; anything else is rejected before hashing.
	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return Claims{}, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Compare signatures in constant time.
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, r.mac(parts[0]+"."+parts[1])) {
		return Claims{}, ErrInvalidToken
	}

	//3.- A signed token still needs a rider and a future expiry.
	rawBody, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var body wireClaims
	if err := json.Unmarshal(rawBody, &body); err != nil || strings.TrimSpace(body.Subject) == "" || body.Expires <= 0 {
		return Claims{}, ErrInvalidToken
	}
	expires := time.Unix(body.Expires, 0)
	if expires.Add(r.leeway).Before(r.now()) {
		return Claims{}, ErrExpiredToken
	}
	return Claims{Rider: body.Subject, IssuedAt: time.Unix(body.Issued, 0), ExpiresAt: expires}, nil
}

// Authenticate extracts and verifies the token carried by a ride request.
func (r *RiderTokens) Authenticate(req *http.Request) (Claims, error) {
	token := strings.TrimSpace(req.URL.Query().Get(QueryParam))
	if token == "" {
		token = strings.TrimSpace(req.Header.Get(HeaderName))
	}
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	return r.Verify(token)
}

func (r *RiderTokens) mac(signing string) []byte {
	h := hmac.New(sha256.New, r.secret)
	h.Write([]byte(signing))
	return h.Sum(nil)
}
