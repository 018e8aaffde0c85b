package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("token signature mismatch")
)

// Claims is what a verified session token carries
type Claims struct {
	UserID  string
	Version int
}

// TokenService signs and verifies session tokens.
//
// A token is base64("userId:version:nonce:signature") where signature is the
// hex HMAC-SHA256 of "userId:version:nonce".
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// GenerateToken issues a token for the user at the given password version
func (s *TokenService) GenerateToken(userID string, version int) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate token nonce: %w", err)
	}
	payload := fmt.Sprintf("%s:%d:%s", userID, version, hex.EncodeToString(nonce))
	signed := payload + ":" + s.sign(payload)
	return base64.StdEncoding.EncodeToString([]byte(signed)), nil
}

// Verify decodes the raw token and checks its signature
func (s *TokenService) Verify(raw string) (*Claims, error) {
	decoded, err := decodeToken(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 || parts[0] == "" {
		return nil, ErrMalformedToken
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad version %q", ErrMalformedToken, parts[1])
	}

	payload := fmt.Sprintf("%s:%d:%s", parts[0], version, parts[2])
	if !hmac.Equal([]byte(parts[3]), []byte(s.sign(payload))) {
		return nil, ErrBadSignature
	}

	return &Claims{UserID: parts[0], Version: version}, nil
}

// decodeToken accepts padded or unpadded input in either the standard or the
// URL-safe alphabet
func decodeToken(raw string) ([]byte, error) {
	trimmed := strings.TrimRight(raw, "=")
	enc := base64.RawStdEncoding
	if strings.ContainsAny(trimmed, "-_") {
		enc = base64.RawURLEncoding
	}
	return enc.DecodeString(trimmed)
}

// VerifyToken is the nil-on-failure form used by the gateway handshake
func (s *TokenService) VerifyToken(raw string) *Claims {
	claims, err := s.Verify(raw)
	if err != nil {
		return nil
	}
	return claims
}

func (s *TokenService) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
