package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForbiddenIPTable(t *testing.T) {
	cases := []struct {
		ip        string
		forbidden bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.5", true},
		{"172.16.1.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true}, // cloud metadata
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"2606:2800:220:1:248:1893:25c8:1946", false},
	}
	for _, tc := range cases {
		t.Run(tc.ip, func(t *testing.T) {
			ip := net.ParseIP(tc.ip)
			require.NotNil(t, ip)
			assert.Equal(t, tc.forbidden, isForbiddenIP(ip))
		})
	}
}

func TestSchemeValidation(t *testing.T) {
	client := NewEgressClient(0)
	ctx := context.Background()

	for _, url := range []string{
		"ftp://example.com/file",
		"file:///etc/passwd",
		"gopher://example.com",
		"example.com/no-scheme",
	} {
		_, err := client.Do(ctx, "GET", url, nil, "")
		assert.ErrorIs(t, err, ErrEgressBlocked, url)
	}
}

func TestLoopbackBlockedByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewEgressClient(0)
	_, err := client.Do(context.Background(), "GET", srv.URL, nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEgressBlocked)
}

func TestForbiddenHeadersStripped(t *testing.T) {
	var gotHost, gotProxyAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotProxyAuth = r.Header.Get("Proxy-Authorization")
		gotCustom = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewEgressClient(0)
	client.AllowPrivateHosts = true
	resp, err := client.Do(context.Background(), "GET", srv.URL, map[string]string{
		"Host":                "evil.internal",
		"Proxy-Authorization": "Basic secret",
		"X-Api-Key":           "k-123",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.NotEqual(t, "evil.internal", gotHost)
	assert.Empty(t, gotProxyAuth)
	assert.Equal(t, "k-123", gotCustom)
}

func TestRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	hops := 0
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, srv.URL+fmt.Sprintf("/hop/%d", hops), http.StatusFound)
	}))
	defer srv.Close()

	client := NewEgressClient(0)
	client.AllowPrivateHosts = true
	_, err := client.Do(context.Background(), "GET", srv.URL, nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEgressBlocked)
}

func TestResponseBodyCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		chunk := make([]byte, 1<<20)
		for i := 0; i < 12; i++ { // 12 MiB total
			_, _ = w.Write(chunk)
		}
	}))
	defer srv.Close()

	client := NewEgressClient(0)
	client.AllowPrivateHosts = true
	resp, err := client.Do(context.Background(), "GET", srv.URL, nil, "")
	require.NoError(t, err)
	assert.Len(t, resp.Body, maxResponseBytes)
}

func TestPostBodyDelivered(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		got = string(buf[:n])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewEgressClient(0)
	client.AllowPrivateHosts = true
	resp, err := client.Do(context.Background(), "POST", srv.URL, nil, `{"order":"ORD-1"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, `{"order":"ORD-1"}`, got)
}
