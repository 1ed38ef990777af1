package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	tls "github.com/refraction-networking/utls"
)

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection. When it
// cannot be built, chromeSpecErr is set and ChromeTLS falls back to the
// standard TLS stack.
var (
	chromeH1Spec  tls.ClientHelloSpec
	chromeSpecErr error
)

func init() {
	chromeH1Spec, chromeSpecErr = buildChromeH1Spec()
}

func buildChromeH1Spec() (tls.ClientHelloSpec, error) {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return tls.ClientHelloSpec{}, fmt.Errorf("fetch: build chrome tls spec: %w", err)
	}
	// http.Transport cannot speak h2 over a utls connection, so the server
	// must never be offered it.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	return spec, nil
}

// newTransport builds the transport shared by every out-of-band fetch.
// Redirects are never followed here; the caller decides what to do with 3xx.
func newTransport(opts Options) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	t := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false,
	}

	if opts.Proxy != "" {
		if proxyURL, err := url.Parse(opts.Proxy); err == nil && (proxyURL.Scheme == "http" || proxyURL.Scheme == "https") {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}

	if opts.ChromeTLS && chromeSpecErr != nil {
		slog.Warn("chrome TLS fingerprint unavailable, using standard TLS", "error", chromeSpecErr)
	} else if opts.ChromeTLS {
		t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialChromeTLS(ctx, dialer, network, addr)
		}
	}
	return t
}

// dialChromeTLS establishes a TLS connection using a Chrome fingerprint via utls.
func dialChromeTLS(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
	if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
		conn.Close()
		return nil, fmt.Errorf("fetch: apply tls spec: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
