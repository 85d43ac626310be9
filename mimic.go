package picopad

import (
	"bufio"
	cryptoRand "crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
)

// upgradeResponse is what the sink writes before switching to the tunnel protocol.
const upgradeResponse = "HTTP/1.1 101 Switching Protocols\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
	"\r\n"

// MimicConfig shapes the HTTP upgrade request that opens a tunnel.
type MimicConfig struct {
	FakeDomain    string   `yaml:"fake_domain"`
	FakePath      string   `yaml:"fake_path"`
	UserAgent     string   `yaml:"user_agent"`
	CustomHeaders []string `yaml:"custom_headers"`
	SessionCookie bool     `yaml:"session_cookie"`
}

// bufferedConn reads through the bufio.Reader used for the handshake
// response, so smux bytes read ahead of the response are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// ClientHandshake sends a websocket-looking upgrade request on conn and waits
// for a 101 (or 200). The returned conn must be used instead of conn.
func ClientHandshake(conn net.Conn, cfg *MimicConfig) (net.Conn, error) {
	domain := "www.google.com"
	path := "/tunnel"
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	if cfg != nil {
		if cfg.FakeDomain != "" {
			domain = cfg.FakeDomain
		}
		if cfg.FakePath != "" {
			path = cfg.FakePath
		}
		if cfg.UserAgent != "" {
			ua = cfg.UserAgent
		}
	}
	path = strings.ReplaceAll(path, "{rand}", randAlphaNum(8))

	req, err := http.NewRequest(http.MethodGet, "http://"+domain+normalizePath(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Key", generateWebSocketKey())
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if cfg != nil {
		for _, h := range cfg.CustomHeaders {
			k, v, ok := strings.Cut(h, ":")
			if ok {
				req.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
			}
		}
		if cfg.SessionCookie {
			req.AddCookie(&http.Cookie{Name: "session", Value: generateSessionID()})
		}
	}

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(dump); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	if resp.StatusCode != http.StatusSwitchingProtocols && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("handshake failed: expected 101 or 200, got %d", resp.StatusCode)
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

// validateUpgrade reports whether r looks like a tunnel opener built by
// ClientHandshake with the same MimicConfig. reason is for logs only.
func validateUpgrade(r *http.Request, m *MimicConfig) (ok bool, reason string) {
	if r.Method != http.MethodGet {
		return false, "method"
	}
	if m != nil && m.FakeDomain != "" {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if host != m.FakeDomain && !strings.HasSuffix(host, "."+m.FakeDomain) && net.ParseIP(host) == nil {
			return false, "host"
		}
	}
	if r.Header.Get("Upgrade") == "" ||
		!strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		return false, "no upgrade"
	}
	if !strings.HasPrefix(r.URL.Path, tunnelPrefix(m)) {
		return false, "path"
	}
	return true, ""
}

// tunnelPrefix is the fixed part of the fake path, before any {rand}.
func tunnelPrefix(m *MimicConfig) string {
	p := "/tunnel"
	if m != nil && m.FakePath != "" {
		p = normalizePath(m.FakePath)
	}
	prefix, _, _ := strings.Cut(p, "{")
	return prefix
}

func randAlphaNum(n int) string {
	b := make([]byte, n)
	if _, err := cryptoRand.Read(b); err != nil {
		return strings.Repeat("x", n)
	}
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b)
}

func generateWebSocketKey() string {
	b := make([]byte, 16)
	if _, err := cryptoRand.Read(b); err != nil {
		return "dGhlIHNhbXBsZSBub25jZQ=="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := cryptoRand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
