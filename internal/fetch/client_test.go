package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/openworker/internal/core"
)

func TestIsPrivateHost(t *testing.T) {
	cases := map[string]bool{
		"http://localhost/":          true,
		"http://api.localhost:8080/": true,
		"http://127.0.0.1/":          true,
		"http://10.1.2.3/x":          true,
		"http://[::1]/":              true,
		"http://169.254.169.254/":    true,
		"http://[::ffff:10.0.0.1]/":  true,
		"http://8.8.8.8/":            false,
		"https://example.com/":       false,
		"::not a url":                true,
		"http:///nohost":             true,
	}
	for raw, want := range cases {
		assert.Equal(t, want, IsPrivateHost(raw), raw)
	}
	assert.True(t, IsPrivateAddr(netip.MustParseAddr("192.168.1.1")))
	assert.False(t, IsPrivateAddr(netip.MustParseAddr("1.1.1.1")))
}

func TestGuardRejectsLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := New(Options{Timeout: time.Second})
	_, err := c.Do(context.Background(), core.Request{Method: "GET", URL: srv.URL})
	require.True(t, errors.Is(err, ErrPrivateAddress), "got %v", err)
}

func TestDoStreamsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Empty(t, r.Header.Get("X-Forwarded-For"))
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo", string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	c := New(Options{AllowPrivate: true, Timeout: 2 * time.Second})
	resp, err := c.Do(context.Background(), core.Request{
		Method:  "post",
		URL:     srv.URL,
		Headers: map[string]string{"X-Test": "yes", "X-Forwarded-For": "1.2.3.4"},
		Body:    []byte("payload"),
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 201, resp.Meta.Status)
	assert.Equal(t, "Created", resp.Meta.StatusText)
	assert.Equal(t, "payload", resp.Meta.Get("x-echo"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "created", string(body))
}

func TestDoDecodesBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		_, _ = bw.Write([]byte("compressed hello"))
		_ = bw.Close()
	}))
	defer srv.Close()

	c := New(Options{AllowPrivate: true})
	resp, err := c.Do(context.Background(), core.Request{
		URL:     srv.URL,
		Headers: map[string]string{"Accept-Encoding": "br"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "compressed hello", string(body))
	assert.Empty(t, resp.Meta.Get("content-encoding"))
}

func TestDoRejectsInvalidHeader(t *testing.T) {
	c := New(Options{AllowPrivate: true})
	_, err := c.Do(context.Background(), core.Request{
		URL:     "http://127.0.0.1:1/",
		Headers: map[string]string{"Bad Name": "v"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid header")
}

func TestDoRequiresURL(t *testing.T) {
	_, err := New(Options{}).Do(context.Background(), core.Request{})
	require.Error(t, err)
}
