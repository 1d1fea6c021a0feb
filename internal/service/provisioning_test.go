package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarzbanClientAllocate(t *testing.T) {
	var tokenCalls, userCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokenCalls++
			require.NoError(t, r.ParseForm())
			require.Equal(t, "admin", r.FormValue("username"))
			require.Equal(t, "pass", r.FormValue("password"))

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "token_type": "bearer"})
		case "/api/user":
			userCalls++
			require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

			var req panelUserRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, int64(10)<<30, req.DataLimit)

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"username":         req.Username,
				"subscription_url": "https://panel.example/sub/" + req.Username,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewMarzbanClient(srv.URL, "admin", "pass")
	ctx := context.Background()

	sub, err := client.Allocate(ctx, "cfg-abc", int64(10)<<30)
	require.NoError(t, err)
	require.Equal(t, "https://panel.example/sub/cfg-abc", sub)

	_, err = client.Allocate(ctx, "cfg-def", int64(10)<<30)
	require.NoError(t, err)

	// the admin token is cached between calls
	require.Equal(t, 1, tokenCalls)
	require.Equal(t, 2, userCalls)
}

func TestMarzbanClientTokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewMarzbanClient(srv.URL, "admin", "pass")

	_, err := client.Allocate(context.Background(), "cfg-abc", 1<<30)
	require.Error(t, err)
}

func TestMarzbanClientDropsRejectedToken(t *testing.T) {
	var tokenCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokenCalls++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
		case "/api/user":
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	client := NewMarzbanClient(srv.URL, "admin", "pass")
	ctx := context.Background()

	_, err := client.Allocate(ctx, "cfg-abc", 1<<30)
	require.Error(t, err)

	// the cached token was dropped, so the next call re-authenticates
	_, err = client.Allocate(ctx, "cfg-abc", 1<<30)
	require.Error(t, err)
	require.Equal(t, 2, tokenCalls)
}
