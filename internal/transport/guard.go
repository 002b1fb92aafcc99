package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// PublicOnlyTransport refuses connections to loopback, private, link-local
// and unspecified addresses.
func PublicOnlyTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		// The connected address is checked, not the resolved name.
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			conn.Close()
			return nil, fmt.Errorf("delivery to private address %s is denied", ip)
		}
		return conn, nil
	}
	return t
}

// WithPublicOnly restricts deliveries to public addresses.
func WithPublicOnly() ClientOption {
	return func(c *Client) {
		c.httpClient = &http.Client{
			Transport: wrapTransport(PublicOnlyTransport()),
			Timeout:   c.httpClient.Timeout,
		}
	}
}
