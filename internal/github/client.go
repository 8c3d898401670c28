// Bisectd is a self-hosted git bisect automation service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package github is the forge client: it mints GitHub App credentials,
// exchanges them for installation tokens, and posts issue comments.
// Tokens are treated as secrets everywhere; anything logged or posted
// passes through redaction first.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bisectd/internal/metrics"
	"bisectd/pkg/crypto"
)

const (
	acceptHeader     = "application/vnd.github+json"
	apiVersionHeader = "2022-11-28"

	// appJWTLifetime bounds the self-assertion; GitHub caps it at 10 minutes.
	appJWTLifetime = 10 * time.Minute

	// appJWTBackdate absorbs clock skew between us and the forge.
	appJWTBackdate = time.Minute

	// tokenCacheLifetime expires cache entries well before the token's
	// own 60-minute validity.
	tokenCacheLifetime = 50 * time.Minute

	// tokenReuseMargin is the minimum remaining validity for a cached
	// token to be handed out instead of re-fetched.
	tokenReuseMargin = 5 * time.Minute
)

// Config configures a Client.
type Config struct {
	// AppID is the GitHub App identity used as the JWT issuer
	AppID int64

	// PrivateKeyPath locates the RS256 signing key. Ignored when
	// PrivateKey is set directly (tests).
	PrivateKeyPath string
	PrivateKey     *rsa.PrivateKey

	// APIBaseURL is the REST endpoint, default https://api.github.com
	APIBaseURL string

	// CloneBaseURL is the HTTPS clone host, default https://github.com
	CloneBaseURL string

	// HTTPClient overrides the default client (tests)
	HTTPClient *http.Client

	// Encryptor optionally encrypts cached tokens at rest
	Encryptor *crypto.Encryptor

	Logger *slog.Logger
}

type cachedToken struct {
	value     string // encrypted when an Encryptor is configured
	expiresAt time.Time
}

// Client talks to the forge on behalf of one GitHub App.
type Client struct {
	appID      int64
	privateKey *rsa.PrivateKey
	apiBase    string
	cloneBase  string
	httpClient *http.Client
	encryptor  *crypto.Encryptor
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[int64]cachedToken

	// now is the clock; overridable in tests
	now func() time.Time
}

// NewClient builds a Client, loading the signing key from disk unless one
// was provided directly.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AppID <= 0 {
		return nil, errors.New("app id is required")
	}

	key := cfg.PrivateKey
	if key == nil {
		if cfg.PrivateKeyPath == "" {
			return nil, errors.New("private key path is required")
		}
		pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		key, err = jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
	}

	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	cloneBase := cfg.CloneBaseURL
	if cloneBase == "" {
		cloneBase = "https://github.com"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		appID:      cfg.AppID,
		privateKey: key,
		apiBase:    apiBase,
		cloneBase:  cloneBase,
		httpClient: httpClient,
		encryptor:  cfg.Encryptor,
		logger:     logger,
		cache:      make(map[int64]cachedToken),
		now:        time.Now,
	}, nil
}

// mintAppJWT produces the short-lived RS256 self-assertion exchanged for
// installation tokens.
func (c *Client) mintAppJWT() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"iat": now.Add(-appJWTBackdate).Unix(),
		"exp": now.Add(appJWTLifetime).Unix(),
		"iss": fmt.Sprintf("%d", c.appID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a token scoped to installationID, serving
// from the per-instance cache when enough validity remains.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.cache[installationID]
	c.mu.Unlock()
	if ok && entry.expiresAt.After(now.Add(tokenReuseMargin)) {
		return c.cachedValue(entry)
	}

	appJWT, err := c.mintAppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.apiBase, installationID)
	resp, err := c.doWithRetry(ctx, newRetryConfig(metrics.OpMintToken, true), func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("X-GitHub-Api-Version", apiVersionHeader)
		req.Header.Set("Authorization", "Bearer "+appJWT)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return "", fmt.Errorf("mint installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("mint installation token: status %d: %s",
			resp.StatusCode, crypto.ScrubTokens(string(body)))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token == "" {
		return "", errors.New("token response missing token")
	}

	stored := payload.Token
	if c.encryptor != nil {
		if stored, err = c.encryptor.Encrypt(payload.Token); err != nil {
			return "", fmt.Errorf("encrypt cached token: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[installationID] = cachedToken{value: stored, expiresAt: now.Add(tokenCacheLifetime)}
	c.mu.Unlock()

	c.logger.Debug("minted installation token",
		"installation_id", installationID,
		"token", crypto.RedactToken(payload.Token))
	return payload.Token, nil
}

func (c *Client) cachedValue(entry cachedToken) (string, error) {
	if c.encryptor == nil {
		return entry.value, nil
	}
	token, err := c.encryptor.Decrypt(entry.value)
	if err != nil {
		return "", fmt.Errorf("decrypt cached token: %w", err)
	}
	return token, nil
}

// CloneURL embeds token into an HTTPS clone URL for owner/repo.
// The returned string is a secret; route it through RedactURL when logging.
func (c *Client) CloneURL(owner, repo, token string) string {
	u, err := url.Parse(c.cloneBase)
	if err != nil || u.Host == "" {
		// Config validation keeps this from happening outside tests.
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
	}
	return fmt.Sprintf("%s://x-access-token:%s@%s/%s/%s.git", u.Scheme, token, u.Host, owner, repo)
}

// CreateComment posts a new issue comment and returns its identifier.
// Retried only on connection-level failures: a created-but-unacked
// comment must not be duplicated.
func (c *Client) CreateComment(ctx context.Context, token, owner, repo string, issueNumber int, body string) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.apiBase, owner, repo, issueNumber)
	resp, err := c.commentRequest(ctx, http.MethodPost, url, token, body, metrics.OpCreateComment, false)
	if err != nil {
		return 0, fmt.Errorf("create comment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("create comment: status %d: %s",
			resp.StatusCode, crypto.ScrubTokens(string(raw)))
	}

	var payload struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode comment response: %w", err)
	}
	return payload.ID, nil
}

// UpdateComment edits an existing comment. Edits are idempotent so the
// full retry policy applies.
func (c *Client) UpdateComment(ctx context.Context, token, owner, repo string, commentID int64, body string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/comments/%d", c.apiBase, owner, repo, commentID)
	resp, err := c.commentRequest(ctx, http.MethodPatch, url, token, body, metrics.OpUpdateComment, true)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("update comment: status %d: %s",
			resp.StatusCode, crypto.ScrubTokens(string(raw)))
	}
	return nil
}

func (c *Client) commentRequest(ctx context.Context, method, url, token, body, op string, retryHTTP bool) (*http.Response, error) {
	// Never let a leaked token ride out inside a comment body.
	payload, err := json.Marshal(map[string]string{"body": crypto.ScrubTokens(body)})
	if err != nil {
		return nil, fmt.Errorf("marshal comment: %w", err)
	}

	return c.doWithRetry(ctx, newRetryConfig(op, retryHTTP), func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("X-GitHub-Api-Version", apiVersionHeader)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(req)
	})
}
