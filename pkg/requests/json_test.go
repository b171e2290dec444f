package requests

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func get[T any](t *testing.T, url string) (*T, error) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	return DoJSON[T](nil, req)
}

func TestDoJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"name": "x", "n": 3}`))
		case "/missing":
			http.Error(w, "Video not found", http.StatusNotFound)
		}
	}))
	defer ts.Close()

	type resp struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	r, err := get[resp](t, ts.URL+"/ok")
	require.NoError(t, err)
	require.Equal(t, "x", r.Name)
	require.Equal(t, 3, r.N)

	_, err = get[resp](t, ts.URL+"/missing")
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, StatusCode(err))
	require.Contains(t, err.Error(), "Video not found")
	require.False(t, errors.Is(err, ErrTransport))
}

func TestTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()
	_, err := get[map[string]any](t, url)
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, 0, StatusCode(err))
}
