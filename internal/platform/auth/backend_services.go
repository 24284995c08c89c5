package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClientAssertionType is the SMART Backend Services assertion type.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// TokenSource yields a bearer token for outbound requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-provisioned bearer token. An empty token means no
// Authorization header is sent.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// BackendServiceToken is the token endpoint response.
type BackendServiceToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// BackendServiceConfig configures the client side of SMART Backend Services
// (client_credentials grant with an RS384 signed JWT assertion).
type BackendServiceConfig struct {
	ClientID   string
	TokenURL   string
	Scopes     []string
	SigningKey *rsa.PrivateKey
	KeyID      string
	HTTPClient *http.Client
}

// BackendServiceTokenSource fetches and caches access tokens. It is safe for
// concurrent use.
type BackendServiceTokenSource struct {
	cfg BackendServiceConfig
	now func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewBackendServiceTokenSource validates cfg and returns a token source.
func NewBackendServiceTokenSource(cfg BackendServiceConfig) (*BackendServiceTokenSource, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("backend services: client id is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("backend services: token url is required")
	}
	if cfg.SigningKey == nil {
		return nil, fmt.Errorf("backend services: signing key is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &BackendServiceTokenSource{cfg: cfg, now: time.Now}, nil
}

// LoadSigningKey reads a PEM encoded RSA private key.
func LoadSigningKey(path string) (*rsa.PrivateKey, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

// Token returns a cached access token, requesting a new one when the cached
// token is missing or within 30 seconds of expiry.
func (s *BackendServiceTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(30*time.Second).Before(s.expiry) {
		return s.token, nil
	}

	tok, err := s.requestToken(ctx)
	if err != nil {
		return "", err
	}
	s.token = tok.AccessToken
	s.expiry = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return s.token, nil
}

func (s *BackendServiceTokenSource) requestToken(ctx context.Context) (*BackendServiceToken, error) {
	assertion, err := s.clientAssertion()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", ClientAssertionType)
	form.Set("client_assertion", assertion)
	if len(s.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(s.cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok BackendServiceToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 300
	}
	return &tok, nil
}

// clientAssertion signs the short-lived JWT presented to the token endpoint.
func (s *BackendServiceTokenSource) clientAssertion() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.cfg.ClientID,
		"sub": s.cfg.ClientID,
		"aud": s.cfg.TokenURL,
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	signed, err := token.SignedString(s.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
