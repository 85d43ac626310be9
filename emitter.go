package picopad

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
)

// Emitter transmits one dummy payload.
type Emitter interface {
	Emit(ctx context.Context, p Payload) error
}

// EmitterConfig selects and configures the dummy transport.
type EmitterConfig struct {
	Transport     string `yaml:"transport"` // "http" or "tunnel"
	URL           string `yaml:"url"`
	UserAgent     string `yaml:"user_agent"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxPayload    int    `yaml:"max_payload"`
	Fingerprint   string `yaml:"fingerprint"` // "chrome" or "none"
	SkipTLSVerify bool   `yaml:"skip_tls_verify"`
}

// HTTPEmitter POSTs dummies to a sink URL. It never carries cookies or
// credentials and never goes through an environment proxy.
type HTTPEmitter struct {
	url    string
	ua     string
	client *http.Client
	log    *zap.Logger
}

var _ Emitter = (*HTTPEmitter)(nil)

func NewHTTPEmitter(cfg *EmitterConfig, log *zap.Logger) (*HTTPEmitter, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("%w: emitter url: %v", ErrConfiguration, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: emitter url scheme %q", ErrConfiguration, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: emitter url has no host", ErrConfiguration)
	}
	u.User = nil

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = DefaultEmitTimeout
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify},
	}
	if u.Scheme == "https" && strings.EqualFold(cfg.Fingerprint, "chrome") {
		tr.DialTLSContext = chromeDialer(dialer, cfg.SkipTLSVerify)
	}

	return &HTTPEmitter{
		url: u.String(),
		ua:  cfg.UserAgent,
		client: &http.Client{
			Transport: tr,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: orDefault(log).Named("emitter"),
	}, nil
}

func (e *HTTPEmitter) Emit(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrEmission, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmission, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if e.ua != "" {
		req.Header.Set("User-Agent", e.ua)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmission, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrEmission, resp.StatusCode)
	}
	return nil
}

// CloseIdleConnections drops pooled keep-alive connections.
func (e *HTTPEmitter) CloseIdleConnections() {
	e.client.CloseIdleConnections()
}

// chromeDialer returns a TLS dialer presenting a Chrome ClientHello. ALPN is
// pinned to http/1.1 because net/http cannot speak h2 over a utls conn.
func chromeDialer(d *net.Dialer, insecure bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		raw, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		uConn, err := utlsClient(raw, host, insecure, []string{"http/1.1"})
		if err != nil {
			raw.Close()
			return nil, err
		}
		if err := uConn.HandshakeContext(ctx); err != nil {
			uConn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return uConn, nil
	}
}

// utlsClient wraps conn in a Chrome-fingerprinted utls client. A non-empty
// alpn replaces the preset's protocol list.
func utlsClient(conn net.Conn, sni string, insecure bool, alpn []string) (*utls.UConn, error) {
	cfg := &utls.Config{ServerName: sni, InsecureSkipVerify: insecure}
	if len(alpn) == 0 {
		return utls.UClient(conn, cfg, utls.HelloChrome_120), nil
	}
	hello, err := utls.UTLSIdToSpec(utls.HelloChrome_120)
	if err != nil {
		return nil, err
	}
	for _, ext := range hello.Extensions {
		if a, ok := ext.(*utls.ALPNExtension); ok {
			a.AlpnProtocols = alpn
		}
	}
	uConn := utls.UClient(conn, cfg, utls.HelloCustom)
	if err := uConn.ApplyPreset(&hello); err != nil {
		return nil, err
	}
	return uConn, nil
}
