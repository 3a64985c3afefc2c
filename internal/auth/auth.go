// Package auth verifies account tokens issued by the identity provider and
// signs the short-lived tokens that guard the internal notify endpoint.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

const (
	accountKeyInfo  = "messenger account token v1"
	internalKeyInfo = "messenger internal notify v1"
)

type Authenticator struct {
	accountKey  []byte
	internalKey []byte
	internalTTL time.Duration
	now         func() time.Time
}

// New derives one signing key per token purpose from secret.
func New(secret string, internalTTL time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth secret is empty")
	}
	accountKey, err := deriveKey(secret, accountKeyInfo)
	if err != nil {
		return nil, err
	}
	internalKey, err := deriveKey(secret, internalKeyInfo)
	if err != nil {
		return nil, err
	}
	if internalTTL <= 0 {
		internalTTL = time.Minute
	}
	return &Authenticator{
		accountKey:  accountKey,
		internalKey: internalKey,
		internalTTL: internalTTL,
		now:         time.Now,
	}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %q key: %w", info, err)
	}
	return key, nil
}

// IssueAccountToken signs a token whose subject is accountID.
func (a *Authenticator) IssueAccountToken(accountID string, ttl time.Duration) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": accountID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString(a.accountKey)
}

// ParseAccountToken returns the account id carried by a valid token.
func (a *Authenticator) ParseAccountToken(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingToken
	}
	claims, err := a.parse(raw, a.accountKey)
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return sub, nil
}

// IssueInternalToken signs a token bound to one notify call.
func (a *Authenticator) IssueInternalToken(threadID, accountID, action string) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"thread_id":  threadID,
		"account_id": accountID,
		"action":     action,
		"iat":        now.Unix(),
		"exp":        now.Add(a.internalTTL).Unix(),
	})
	return token.SignedString(a.internalKey)
}

// VerifyInternalToken checks that raw was issued for exactly this call.
func (a *Authenticator) VerifyInternalToken(raw, threadID, accountID, action string) error {
	if raw == "" {
		return ErrMissingToken
	}
	claims, err := a.parse(raw, a.internalKey)
	if err != nil {
		return err
	}
	if claims["thread_id"] != threadID || claims["account_id"] != accountID || claims["action"] != action {
		return fmt.Errorf("%w: claims do not match request", ErrInvalidToken)
	}
	return nil
}

func (a *Authenticator) parse(raw string, key []byte) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// MapClaims treats a missing exp as valid
	exp, ok := claims["exp"].(float64)
	if !ok || int64(exp) < a.now().Unix() {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return claims, nil
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// for browsers opening a websocket, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
