package sink

import (
	"context"
	"os"
	"strings"

	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

// TokenProvider hands out the sink bearer token. Service-account exchange is
// done by the deployment environment (a sidecar refreshes the file), so the
// provider only reads the current token from disk.
type TokenProvider struct {
	path string
}

// NewTokenProvider constructs a file-backed token provider.
func NewTokenProvider(path string) *TokenProvider {
	return &TokenProvider{path: path}
}

// Token returns the current sink bearer token.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrAuth.Code, appErrors.ErrAuth.Status, "read sink token file")
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", appErrors.Clone(appErrors.ErrAuth, "sink token file is empty")
	}
	return token, nil
}
