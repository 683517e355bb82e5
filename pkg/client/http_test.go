package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"name":"SIS","decimals":18}`))
	}))
	defer srv.Close()

	var out struct {
		Name     string `json:"name"`
		Decimals int    `json:"decimals"`
	}
	require.NoError(t, NewHTTPClient(time.Second).Get(context.Background(), srv.URL, &out))
	require.Equal(t, "SIS", out.Name)
	require.Equal(t, 18, out.Decimals)
}

func TestGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	var out map[string]any
	err := NewHTTPClient(time.Second).Get(context.Background(), srv.URL, &out)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	require.Equal(t, "slow down", statusErr.Body)
}

func TestGetInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{`))
	}))
	defer srv.Close()

	var out map[string]any
	err := NewHTTPClient(time.Second).Get(context.Background(), srv.URL, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshaling response")
}
