package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidateRemote(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "/validate", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"valid": true, "username": "zhang", "userid": 42,
		})
	}))
	defer srv.Close()

	s := NewService(srv.URL, "", time.Minute, zap.NewNop())
	id, err := s.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, Identity{Username: "zhang", UserID: 42}, id)

	// Cached: no second upstream call.
	_, err = s.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestValidateRemoteRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"valid": false})
	}))
	defer srv.Close()

	s := NewService(srv.URL, "", time.Minute, zap.NewNop())
	_, err := s.Validate(context.Background(), "bad-token")
	assert.Error(t, err)
}

func TestValidateMissingToken(t *testing.T) {
	s := NewService("", "secret", time.Minute, zap.NewNop())
	_, err := s.Validate(context.Background(), "")
	assert.Error(t, err)
}

func TestValidateLocalJWT(t *testing.T) {
	const secret = "dev-secret"
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "li",
		"userid":   7,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	s := NewService("", secret, time.Minute, zap.NewNop())
	id, err := s.Validate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, Identity{Username: "li", UserID: 7}, id)

	_, err = s.Validate(context.Background(), signed+"tampered")
	assert.Error(t, err)

	other := NewService("", "different-secret", time.Minute, zap.NewNop())
	_, err = other.Validate(context.Background(), signed)
	assert.Error(t, err)
}

func TestCheckSessionOwnership(t *testing.T) {
	s := NewService("", "secret", time.Minute, zap.NewNop())
	me := Identity{Username: "zhang", UserID: 42}

	assert.NoError(t, s.CheckSessionOwnership("42_abc-def", me))
	assert.Error(t, s.CheckSessionOwnership("7_abc-def", me))

	// Legacy ids without a numeric user prefix are allowed.
	assert.NoError(t, s.CheckSessionOwnership("legacysession", me))
	assert.NoError(t, s.CheckSessionOwnership("abc_def", me))
}

func TestMintSessionID(t *testing.T) {
	id := MintSessionID(Identity{UserID: 42}, "u-u-i-d")
	assert.Equal(t, "42_u-u-i-d", id)
}
