package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is what the platform reads from a bearer credential. Exp bounds every
// cache keyed on the subject.
type Claims struct {
	Sub         string   `json:"sub"`
	WorkspaceID string   `json:"workspace_id"`
	Roles       []string `json:"roles,omitempty"`
	Exp         int64    `json:"exp"`
	Iat         int64    `json:"iat"`
}

func (c Claims) ExpiresAt() time.Time {
	if c.Exp <= 0 {
		return time.Time{}
	}
	return time.Unix(c.Exp, 0)
}

func (c Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Verifier validates a compact JWS and returns its claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// HS256Verifier checks tokens signed with a shared secret.
type HS256Verifier struct {
	Secret string
	Now    func() time.Time
}

func (v HS256Verifier) Verify(token string) (*Claims, error) {
	parts, err := split(token)
	if err != nil {
		return nil, err
	}
	unsigned := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(hmacSHA256(unsigned, v.Secret))) {
		return nil, ErrInvalidToken
	}
	return decodeClaims(parts[1], v.Now)
}

// RS256Verifier resolves the signing key by kid.
type RS256Verifier struct {
	Keys KeySource
	Now  func() time.Time
}

// KeySource is satisfied by *JWKSClient.
type KeySource interface {
	Get(keyID string) (*rsa.PublicKey, error)
}

func (v RS256Verifier) Verify(token string) (*Claims, error) {
	header, err := ParseHeader(token)
	if err != nil {
		return nil, err
	}
	if header.Alg != "RS256" {
		return nil, ErrInvalidToken
	}
	key, err := v.Keys.Get(header.Kid)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return verifyRS256(token, key, v.Now)
}

func ParseHeader(token string) (*Header, error) {
	parts, err := split(token)
	if err != nil {
		return nil, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, ErrInvalidToken
	}
	return &header, nil
}

// SignHS256 issues a token for operator tooling and tests.
func SignHS256(claims Claims, secret string) (string, error) {
	headerJSON, err := json.Marshal(Header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	unsigned := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	return unsigned + "." + hmacSHA256(unsigned, secret), nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func verifyRS256(token string, key *rsa.PublicKey, now func() time.Time) (*Claims, error) {
	parts, err := split(token)
	if err != nil {
		return nil, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	hash := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hash[:], sig); err != nil {
		return nil, ErrInvalidToken
	}
	return decodeClaims(parts[1], now)
}

func split(token string) ([]string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	return parts, nil
}

func decodeClaims(segment string, now func() time.Time) (*Claims, error) {
	payload, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Sub == "" {
		return nil, ErrInvalidToken
	}
	if now == nil {
		now = time.Now
	}
	if claims.Exp > 0 && now().Unix() > claims.Exp {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

func hmacSHA256(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ByAlg picks the verifier registered for the token's alg header.
type ByAlg map[string]Verifier

func (v ByAlg) Verify(token string) (*Claims, error) {
	header, err := ParseHeader(token)
	if err != nil {
		return nil, err
	}
	inner, ok := v[header.Alg]
	if !ok || inner == nil {
		return nil, ErrInvalidToken
	}
	return inner.Verify(token)
}
