package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/oauth2"
)

// expirySlack refreshes a token slightly before the provider would reject it.
const expirySlack = 30 * time.Second

// NewTokenSource returns a TokenSource that exchanges a signed client
// assertion for an access token and reuses it until shortly before it
// expires.
func NewTokenSource(tokenURL, clientID, clientSecret string, client *http.Client) oauth2.TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, &assertionSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: []byte(clientSecret),
		client:       client,
	}, expirySlack)
}

// assertionSource performs the jwt-bearer grant on every call.
type assertionSource struct {
	tokenURL     string
	clientID     string
	clientSecret []byte
	client       *http.Client
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *assertionSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	assertion, err := s.assertion(now)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequest(http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}

	token := &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   body.TokenType,
	}
	if body.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	return token, nil
}

func (s *assertionSource) assertion(now time.Time) (string, error) {
	claims := jwt.StandardClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  s.tokenURL,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(5 * time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.clientSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return signed, nil
}
