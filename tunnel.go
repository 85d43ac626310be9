package picopad

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xtaci/smux"
	"go.uber.org/zap"
)

const (
	// sinkTarget is the stream header that tells the server to drain the stream.
	sinkTarget = "sink://dummy"

	// sessionMaxAge recycles long-lived sessions; a fresh one is dialled on
	// the next emission.
	sessionMaxAge = 20 * time.Minute

	maxTargetLen = 4096
)

// TunnelEmitter sends each dummy as one smux stream over a single,
// lazily dialled tunnel session:
//
//	TCP (fragmented) → [uTLS] → HTTP upgrade mimicry → EncryptedConn → [snappy] → smux
type TunnelEmitter struct {
	cfg *TunnelConfig
	log *zap.Logger

	mu        sync.Mutex
	sess      *smux.Session
	createdAt time.Time
}

var _ Emitter = (*TunnelEmitter)(nil)

func NewTunnelEmitter(cfg *TunnelConfig, log *zap.Logger) (*TunnelEmitter, error) {
	if strings.TrimSpace(cfg.Server) == "" {
		return nil, fmt.Errorf("%w: tunnel.server is empty", ErrConfiguration)
	}
	return &TunnelEmitter{cfg: cfg, log: orDefault(log).Named("tunnel")}, nil
}

func (t *TunnelEmitter) Emit(ctx context.Context, p Payload) error {
	stream, err := t.openStream(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmission, err)
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	}
	if err := sendTarget(stream, sinkTarget); err != nil {
		return fmt.Errorf("%w: target: %v", ErrEmission, err)
	}
	if err := json.NewEncoder(stream).Encode(p); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrEmission, err)
	}
	return nil
}

// Close tears down the current session, if any.
func (t *TunnelEmitter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return nil
	}
	err := t.sess.Close()
	t.sess = nil
	return err
}

// openStream opens a stream, redialling once when the cached session turns
// out to be a zombie.
func (t *TunnelEmitter) openStream(ctx context.Context) (*smux.Stream, error) {
	sess, err := t.session(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStream()
	if err == nil {
		return stream, nil
	}
	t.log.Debug("open stream failed, redialling", zap.Error(err))
	t.drop(sess)

	if sess, err = t.session(ctx); err != nil {
		return nil, err
	}
	return sess.OpenStream()
}

func (t *TunnelEmitter) drop(sess *smux.Session) {
	t.mu.Lock()
	if t.sess == sess {
		t.sess = nil
	}
	t.mu.Unlock()
	sess.Close()
}

// session returns the live session or dials a new one, retrying with
// exponential backoff until ctx is done.
func (t *TunnelEmitter) session(ctx context.Context) (*smux.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess != nil && !t.sess.IsClosed() && time.Since(t.createdAt) < sessionMaxAge {
		return t.sess, nil
	}
	if t.sess != nil {
		if !t.sess.IsClosed() {
			t.log.Debug("recycling session", zap.Duration("age", time.Since(t.createdAt).Round(time.Second)))
		}
		t.sess.Close()
		t.sess = nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	var sess *smux.Session
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		s, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			t.log.Debug("tunnel dial failed", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}
		sess = s
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	t.sess = sess
	t.createdAt = time.Now()
	t.log.Info("tunnel session established",
		zap.String("server", t.cfg.Server),
		zap.String("transport", t.cfg.Transport),
		zap.Int("attempts", attempt))
	return sess, nil
}

func (t *TunnelEmitter) dial(ctx context.Context) (*smux.Session, error) {
	host, port := parseAddr(t.cfg.Server, t.cfg.Transport)
	addr := net.JoinHostPort(host, port)
	timeout := time.Duration(t.cfg.DialTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var (
		conn net.Conn
		err  error
	)
	switch t.cfg.Transport {
	case "httpsmux":
		conn, err = t.dialTLS(ctx, addr, timeout)
	case "httpmux":
		conn, err = t.dialTCP(ctx, addr, t.fragmentCfg(), timeout)
	default:
		conn, err = t.dialTCP(ctx, addr, nil, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	conn.SetDeadline(time.Now().Add(timeout))
	hs, err := ClientHandshake(conn, &t.cfg.Mimic)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	conn = hs
	conn.SetDeadline(time.Time{})

	ec, err := NewEncryptedConn(conn, t.cfg.PSK, &t.cfg.Obfs, t.log)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	smuxConn := NewCompressedConn(ec, t.cfg.Compression)

	sess, err := smux.Client(smuxConn, buildSmuxConfig(&t.cfg.Smux))
	if err != nil {
		smuxConn.Close()
		return nil, fmt.Errorf("smux: %w", err)
	}
	return sess, nil
}

func (t *TunnelEmitter) dialTCP(ctx context.Context, addr string, frag *FragmentConfig, timeout time.Duration) (net.Conn, error) {
	conn, err := DialFragmented(ctx, addr, frag, timeout)
	if err != nil {
		return nil, err
	}
	setTCPOptions(conn, time.Duration(t.cfg.TCPKeepAlive)*time.Second)
	return conn, nil
}

// dialTLS runs a Chrome-fingerprinted handshake over a fragmented TCP conn;
// the ClientHello is the write that gets split.
func (t *TunnelEmitter) dialTLS(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	raw, err := t.dialTCP(ctx, addr, t.fragmentCfg(), timeout)
	if err != nil {
		return nil, err
	}
	sni := t.cfg.Mimic.FakeDomain
	if sni == "" {
		sni, _, _ = net.SplitHostPort(addr)
	}
	uConn, err := utlsClient(raw, sni, t.cfg.SkipTLSVerify, nil)
	if err != nil {
		raw.Close()
		return nil, err
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := uConn.HandshakeContext(hsCtx); err != nil {
		uConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return uConn, nil
}

func (t *TunnelEmitter) fragmentCfg() *FragmentConfig {
	if t.cfg.Fragment.Enabled {
		return &t.cfg.Fragment
	}
	return nil
}

// setTCPOptions applies keep-alive to the TCP conn under conn.
func setTCPOptions(conn net.Conn, keepAlive time.Duration) {
	if fc, ok := conn.(*FragmentedConn); ok {
		conn = fc.Conn
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	if keepAlive > 0 {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(keepAlive)
	}
}

func buildSmuxConfig(cfg *SmuxConfig) *smux.Config {
	sc := smux.DefaultConfig()
	sc.Version = cfg.Version
	if sc.Version < 1 {
		sc.Version = 2
	}
	sc.KeepAliveInterval = time.Duration(cfg.KeepAlive) * time.Second
	if sc.KeepAliveInterval <= 0 {
		sc.KeepAliveInterval = 10 * time.Second
	}
	// At least 30s so high-latency links with loss are not torn down.
	sc.KeepAliveTimeout = sc.KeepAliveInterval * 6
	if sc.KeepAliveTimeout < 30*time.Second {
		sc.KeepAliveTimeout = 30 * time.Second
	}
	if cfg.MaxRecv > 0 {
		sc.MaxReceiveBuffer = cfg.MaxRecv
	}
	if cfg.MaxStream > 0 {
		sc.MaxStreamBuffer = cfg.MaxStream
	}
	if cfg.FrameSize > 0 {
		sc.MaxFrameSize = cfg.FrameSize
	}
	return sc
}

func parseAddr(addr, transport string) (host, port string) {
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	if i := strings.Index(addr, "/"); i != -1 {
		addr = addr[:i]
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		h = addr
		if transport == "httpsmux" {
			p = "443"
		} else {
			p = "80"
		}
	}
	return h, p
}

// sendTarget writes the stream header: [2B length][target].
func sendTarget(w io.Writer, target string) error {
	if len(target) == 0 || len(target) > maxTargetLen {
		return fmt.Errorf("target length %d out of range", len(target))
	}
	buf := make([]byte, 2+len(target))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(target)))
	copy(buf[2:], target)
	_, err := w.Write(buf)
	return err
}

// readTarget reads a header written by sendTarget.
func readTarget(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 || n > maxTargetLen {
		return "", fmt.Errorf("target length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
