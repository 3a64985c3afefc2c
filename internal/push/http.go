package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// HTTPNotifier posts payloads to the delivery service with a bearer token
// from its TokenSource.
type HTTPNotifier struct {
	url    string
	tokens oauth2.TokenSource
	client *http.Client
}

func NewHTTPNotifier(url string, tokens oauth2.TokenSource, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPNotifier{url: url, tokens: tokens, client: client}
}

func (n *HTTPNotifier) Notify(ctx context.Context, p Payload) error {
	token, err := n.tokens.Token()
	if err != nil {
		return fmt.Errorf("failed to obtain push token: %w", err)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}
