package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))

	long := strings.Repeat("é", 200)
	got := Preview(long)
	assert.Equal(t, previewLength, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func newTokenServer(t *testing.T, secret string, expiresIn int, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))

		parser := jwt.Parser{SkipClaimsValidation: true}
		token, err := parser.Parse(r.PostForm.Get("assertion"), func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if !assert.NoError(t, err) || !assert.True(t, token.Valid) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims := token.Claims.(jwt.MapClaims)
		assert.Equal(t, "messenger", claims["iss"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "access-" + time.Now().Format("150405.000000000"),
			"expires_in":   expiresIn,
		})
	}))
}

func TestTokenSource_ReusesValidToken(t *testing.T) {
	var calls int32
	srv := newTokenServer(t, "s3cret", 3600, &calls)
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "messenger", "s3cret", srv.Client())

	first, err := ts.Token()
	require.NoError(t, err)
	second, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, "Bearer", second.Type())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenSource_RefreshesInsideSlack(t *testing.T) {
	var calls int32
	// a lifetime shorter than the slack is never reused
	srv := newTokenServer(t, "s3cret", int(expirySlack/time.Second)-10, &calls)
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "messenger", "s3cret", srv.Client())

	_, err := ts.Token()
	require.NoError(t, err)
	_, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTokenSource_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "messenger", "s3cret", srv.Client())
	_, err := ts.Token()
	assert.Error(t, err)

	n := NewHTTPNotifier(srv.URL, ts, nil)
	assert.Error(t, n.Notify(context.Background(), Payload{AccountID: "u2"}))
}

func TestHTTPNotifier_Notify(t *testing.T) {
	var calls int32
	tokens := newTokenServer(t, "s3cret", 3600, &calls)
	defer tokens.Close()

	var received Payload
	var auth string
	delivery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer delivery.Close()

	n := NewHTTPNotifier(delivery.URL, NewTokenSource(tokens.URL, "messenger", "s3cret", nil), nil)
	p := Payload{AccountID: "u2", ThreadID: "t1", MessageID: "m1", SenderID: "u1", Preview: "hi"}

	require.NoError(t, n.Notify(context.Background(), p))
	assert.Equal(t, p, received)
	assert.True(t, strings.HasPrefix(auth, "Bearer access-"))
}

func TestHTTPNotifier_DeliveryFailure(t *testing.T) {
	var calls int32
	tokens := newTokenServer(t, "s3cret", 3600, &calls)
	defer tokens.Close()

	delivery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer delivery.Close()

	n := NewHTTPNotifier(delivery.URL, NewTokenSource(tokens.URL, "messenger", "s3cret", nil), nil)
	assert.Error(t, n.Notify(context.Background(), Payload{AccountID: "u2"}))
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), Payload{}))
}
