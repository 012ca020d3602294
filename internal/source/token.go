package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-cal-sync/pkg/config"
	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

// tokenCacheMargin is shaved off the advertised expiry so a cached token is
// never handed out moments before it dies mid-run.
const tokenCacheMargin = 60 * time.Second

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenProvider acquires OAuth client-credentials tokens for the campus API,
// caching them in Redis for their advertised lifetime.
type TokenProvider struct {
	http   *http.Client
	cache  *redis.Client
	cfg    config.SourceConfig
	logger *zap.Logger
}

// NewTokenProvider constructs the provider. cache may be nil, in which case
// every call hits the token endpoint.
func NewTokenProvider(cfg config.SourceConfig, cache *redis.Client, logger *zap.Logger) *TokenProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenProvider{
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		cache:  cache,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *TokenProvider) cacheKey() string {
	return "source:token:" + p.cfg.ClientID
}

// Token returns a bearer token for the source API.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if p.cache != nil {
		cached, err := p.cache.Get(ctx, p.cacheKey()).Result()
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && err != redis.Nil {
			p.logger.Sugar().Warnw("token cache lookup failed", "error", err)
		}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrAuth.Code, appErrors.ErrAuth.Status, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrAuth.Code, appErrors.ErrAuth.Status, "request source token")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", appErrors.Wrap(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			appErrors.ErrAuth.Code, appErrors.ErrAuth.Status, "source token endpoint rejected request")
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrAuth.Code, appErrors.ErrAuth.Status, "decode token response")
	}
	if token.AccessToken == "" {
		return "", appErrors.Clone(appErrors.ErrAuth, "token response missing access_token")
	}

	if p.cache != nil && token.ExpiresIn > 0 {
		ttl := time.Duration(token.ExpiresIn)*time.Second - tokenCacheMargin
		if ttl > 0 {
			if err := p.cache.Set(ctx, p.cacheKey(), token.AccessToken, ttl).Err(); err != nil {
				p.logger.Sugar().Warnw("token cache write failed", "error", err)
			}
		}
	}

	return token.AccessToken, nil
}
