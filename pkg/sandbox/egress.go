package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxResponseBytes = 10 << 20 // 10 MiB
	maxRedirects     = 5
	egressTimeout    = 30 * time.Second
)

// ErrEgressBlocked marks a request refused by the egress policy.
var ErrEgressBlocked = errors.New("egress blocked by policy")

// headers scripts may never control; the transport owns them.
var forbiddenHeaders = map[string]struct{}{
	"host":                {},
	"proxy-authorization": {},
}

// EgressClient performs HTTP requests on behalf of delivery scripts. Every
// dial target is validated at connect time, after DNS resolution, so a
// hostname that resolves to an internal address is refused even when the
// name itself looks public. Redirects pass through the same check.
type EgressClient struct {
	client *http.Client
	// AllowPrivateHosts disables the address checks. Dev and test only;
	// never set in production wiring.
	AllowPrivateHosts bool

	limiter *rate.Limiter
}

// NewEgressClient builds the script-facing HTTP client. rps bounds the
// request rate across all scripts sharing the client; zero disables the
// limiter.
func NewEgressClient(rps float64) *EgressClient {
	c := &EgressClient{}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		Proxy: nil, // scripts never use the ambient proxy
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			if !c.AllowPrivateHosts {
				for _, ip := range ips {
					if isForbiddenIP(ip.IP) {
						return nil, fmt.Errorf("%w: %s resolves to %s", ErrEgressBlocked, host, ip.IP)
					}
				}
			}
			// Dial the vetted address directly so a re-resolution cannot
			// swap in a different IP.
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c.client = &http.Client{
		Timeout:   egressTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("%w: more than %d redirects", ErrEgressBlocked, maxRedirects)
			}
			return validateScheme(req.URL.Scheme)
		},
	}
	return c
}

// Response is the view of an HTTP exchange handed back to the script.
type Response struct {
	Status  int
	Body    string
	Headers map[string]string
}

// Do executes one script-initiated request. Forbidden headers are dropped
// silently; the body is capped at 10 MiB.
func (c *EgressClient) Do(ctx context.Context, method, url string, headers map[string]string, body string) (*Response, error) {
	if err := validateSchemeURL(url); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		if _, forbidden := forbiddenHeaders[strings.ToLower(k)]; forbidden {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	out := &Response{Status: resp.StatusCode, Body: string(data), Headers: make(map[string]string, len(resp.Header))}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

func validateSchemeURL(rawURL string) error {
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return nil
	}
	return fmt.Errorf("%w: only http and https are allowed", ErrEgressBlocked)
}

func validateScheme(scheme string) error {
	if scheme == "http" || scheme == "https" {
		return nil
	}
	return fmt.Errorf("%w: redirect to scheme %q", ErrEgressBlocked, scheme)
}

// isForbiddenIP rejects anything that is not a public unicast address.
func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
