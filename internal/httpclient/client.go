// Package httpclient provides the outbound HTTP client used by delivery channels.
// Destination URLs come from user-edited schedules, so the client refuses
// loopback, private and link-local targets unless explicitly allowed.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/reportd/errors"
)

// ErrBlocked marks requests refused by destination checks. Delivery treats
// these as permanent failures.
var ErrBlocked = errors.New("destination blocked")

// Options customises a Client
type Options struct {
	AllowPrivateIPs bool // for on-prem receivers and tests
	MaxRedirects    int  // 0 = default 5
}

// Client wraps http.Client with destination checks applied to the initial
// URL, every redirect and every dialled address (DNS rebinding).
type Client struct {
	*http.Client
	allowPrivate bool
	maxRedirects int
}

// New creates a Client with the given per-request timeout
func New(timeout time.Duration, opts Options) *Client {
	c := &Client{
		Client:       &http.Client{Timeout: timeout},
		allowPrivate: opts.AllowPrivateIPs,
		maxRedirects: opts.MaxRedirects,
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = 5
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.check(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !c.allowPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext:           guardedDial(dialer),
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
	return c
}

func guardedDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrap(err, "invalid address")
		}
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve host %q", host)
		}
		for _, ip := range ips {
			if IsPrivate(ip) {
				return nil, errors.Mark(errors.Newf("private address %s blocked", ip), ErrBlocked)
			}
		}
		// Dial the address that was checked, not a fresh resolution
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}

// ValidateURL parses and checks a destination URL without sending anything.
// Schedules call this at create time so bad destinations fail fast.
func (c *Client) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid URL"), ErrBlocked)
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) check(u *url.URL) error {
	blocked := func(format string, args ...interface{}) error {
		return errors.Mark(errors.Newf(format, args...), ErrBlocked)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return blocked("scheme %q not allowed (use http or https)", u.Scheme)
	}
	if u.User != nil {
		return blocked("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return blocked("URL missing hostname")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return blocked("localhost access blocked")
	}
	if ip, err := netip.ParseAddr(host); err == nil && IsPrivate(ip) {
		return blocked("private address %s blocked", host)
	}
	return nil
}

// Do executes an HTTP request after checking its destination
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // link-local, cloud metadata
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsPrivate reports whether ip is loopback, private, link-local, multicast
// or otherwise not a public unicast destination.
func IsPrivate(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, p := range privatePrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
