package realtime

import (
	"context"
	"net"
	"net/url"
	"time"
)

// Probe reports whether the network path to the server is usable.
type Probe func(ctx context.Context) bool

// TCPProbe dials addr and reports success.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// HostPort extracts a dialable address from a base URL, filling in the
// scheme's default port.
func HostPort(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" || u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// WatchConnectivity runs probe every interval and feeds transitions into
// c.SetOnline until ctx ends.
func WatchConnectivity(ctx context.Context, c *Client, probe Probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			now := probe(pctx)
			cancel()
			if now != online {
				online = now
				c.SetOnline(online)
			}
		}
	}
}
