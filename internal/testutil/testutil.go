package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateRandomString generates a random URL-safe string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// GenerateTestClient creates a public client record with the default policy.
func GenerateTestClient() *storage.Client {
	now := time.Now()
	return &storage.Client{
		ClientID:       "test-client-" + GenerateRandomString(8),
		ClientName:     "Test Client",
		ClientType:     storage.ClientTypeSPA,
		AuthMethod:     storage.AuthMethodNone,
		SecurityPolicy: storage.DefaultClientSecurityPolicy(),
		RegisteredAt:   now,
		UpdatedAt:      now,
		Active:         true,
	}
}

// GenerateTestToken creates an Active token of the given type valid for an hour.
func GenerateTestToken(tokenType storage.TokenType, clientID string) *storage.Token {
	now := time.Now()
	return &storage.Token{
		Type:      tokenType,
		Value:     tokenType.Prefix() + GenerateRandomString(32),
		ClientID:  clientID,
		UserID:    "test-user",
		Scopes:    storage.NewScopes([]string{"read"}, []string{"read"}),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Status:    storage.TokenStatusActive,
		SessionID: GenerateRandomString(16),
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method     string
	URL        string
	Headers    map[string]string
	Body       string
	RemoteAddr string

	sign      bool
	keyID     string
	secret    []byte
	timestamp int64
	nonce     string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBody sets the request body
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// WithJSON sets a JSON body and content type.
func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.Headers["Content-Type"] = "application/json"
	r.Body = body
	return r
}

// WithForm sets a form-encoded body and content type.
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	r.Body = body
	return r
}

// WithRemoteAddr sets the peer address.
func (r *HTTPRequest) WithRemoteAddr(addr string) *HTTPRequest {
	r.RemoteAddr = addr
	return r
}

// Signed makes Build add the four signature headers for keyID.
func (r *HTTPRequest) Signed(keyID string, secret []byte, timestampMs int64, nonce string) *HTTPRequest {
	r.sign = true
	r.keyID = keyID
	r.secret = secret
	r.timestamp = timestampMs
	r.nonce = nonce
	return r
}

// Build returns the *http.Request.
func (r *HTTPRequest) Build() *http.Request {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.RemoteAddr != "" {
		req.RemoteAddr = r.RemoteAddr
	}
	if r.sign {
		security.SignRequest(req, r.keyID, r.secret, r.timestamp, r.nonce, []byte(r.Body))
	}
	return req
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r.Build())
	return rr
}
