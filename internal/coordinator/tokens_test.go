package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPRefresher(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantErr     bool
		wantAccess  string
		wantRefresh string
	}{
		{
			name:        "rotated pair",
			status:      http.StatusOK,
			body:        `{"success":true,"data":{"access_token":"a2","refresh_token":"r2"}}`,
			wantAccess:  "a2",
			wantRefresh: "r2",
		},
		{
			name:        "refresh token kept when not rotated",
			status:      http.StatusOK,
			body:        `{"success":true,"data":{"access_token":"a2"}}`,
			wantAccess:  "a2",
			wantRefresh: "r1",
		},
		{
			name:    "no access token",
			status:  http.StatusOK,
			body:    `{"success":true,"data":{}}`,
			wantErr: true,
		},
		{
			name:    "rejected",
			status:  http.StatusUnauthorized,
			body:    `{"success":false}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "r1", req["refresh_token"])
				assert.Equal(t, http.MethodPost, r.Method)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			tokens, err := NewHTTPRefresher(server.URL, time.Second).Refresh(context.Background(), "r1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccess, tokens.AccessToken)
			assert.Equal(t, tt.wantRefresh, tokens.RefreshToken)
		})
	}
}

func TestStoreTokens(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore("passenger-p1", session.NewMemoryPersister(), zap.NewNop())

	src := &storeTokens{store: store, refresher: &fakeRefresher{tokens: &session.Tokens{AccessToken: "a2", RefreshToken: "r2"}}}

	_, err := src.Token(ctx)
	assert.ErrorIs(t, err, errNoTokens)
	_, err = src.Refresh(ctx)
	assert.ErrorIs(t, err, errNoTokens)

	require.NoError(t, store.SetTokens(ctx, &session.Tokens{AccessToken: "a1", RefreshToken: "r1"}))
	token, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", token)

	token, err = src.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", token)
	assert.Equal(t, "r2", store.Tokens().RefreshToken)

	failing := &storeTokens{store: store, refresher: &fakeRefresher{err: errors.New("revoked")}}
	_, err = failing.Refresh(ctx)
	assert.Error(t, err)
	// a failed refresh leaves the stored pair alone
	assert.Equal(t, "a2", store.Tokens().AccessToken)
}
