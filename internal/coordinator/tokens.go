package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/gidigo/ride-coordinator/pkg/httpclient"
)

var errNoTokens = errors.New("session has no auth tokens")

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*session.Tokens, error)
}

// HTTPRefresher calls the auth service refresh endpoint.
type HTTPRefresher struct {
	client *httpclient.Client
}

// NewHTTPRefresher posts to refreshURL. The client must not carry a token
// source of its own.
func NewHTTPRefresher(refreshURL string, timeout time.Duration) *HTTPRefresher {
	return &HTTPRefresher{client: httpclient.NewClient(refreshURL, timeout)}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*session.Tokens, error) {
	body, err := r.client.Post(ctx, "", map[string]string{"refresh_token": refreshToken}, nil)
	if err != nil {
		return nil, fmt.Errorf("refresh tokens: %w", err)
	}

	var resp struct {
		Data session.Tokens `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if resp.Data.AccessToken == "" {
		return nil, errors.New("refresh response has no access token")
	}
	if resp.Data.RefreshToken == "" {
		resp.Data.RefreshToken = refreshToken
	}
	return &resp.Data, nil
}

// storeTokens serves the session's auth-store marker as an
// httpclient.TokenSource.
type storeTokens struct {
	store     *session.Store
	refresher Refresher
}

func (t *storeTokens) Token(context.Context) (string, error) {
	tokens := t.store.Tokens()
	if tokens == nil || tokens.AccessToken == "" {
		return "", errNoTokens
	}
	return tokens.AccessToken, nil
}

func (t *storeTokens) Refresh(ctx context.Context) (string, error) {
	current := t.store.Tokens()
	if current == nil || current.RefreshToken == "" || t.refresher == nil {
		return "", errNoTokens
	}

	renewed, err := t.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := t.store.SetTokens(ctx, renewed); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return renewed.AccessToken, nil
}
