// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, and context propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr bool
	}{
		{header: "Bearer abc", token: "abc"},
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		if tt.wantErr {
			assert.NotEmpty(t, errMsg, tt.header)
			continue
		}
		assert.Empty(t, errMsg)
		assert.Equal(t, tt.token, token)
	}
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := newTestVerifier(t)
	valid, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	expired := signExpired(t, "alice")

	var gotUser string
	handler := HTTPAuthMiddleware(verifier, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{name: "valid", header: "Bearer " + valid, wantCode: http.StatusOK},
		{name: "missing", header: "", wantCode: http.StatusUnauthorized, wantBody: "missing authorization header"},
		{name: "garbage", header: "Bearer nope", wantCode: http.StatusUnauthorized, wantBody: "invalid token"},
		{name: "expired", header: "Bearer " + expired, wantCode: http.StatusUnauthorized, wantBody: "token expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, "/api/feed/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "alice", gotUser)
				return
			}
			assert.Empty(t, gotUser)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
