package picopad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xtaci/smux"
	"go.uber.org/zap"
)

// maxSinkBody caps how much of one dummy the sink drains.
const maxSinkBody = 1 << 20

// drainBufPool reuses buffers for draining dummy bodies.
var drainBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

// Server is the sink end of dummy traffic. It answers three kinds of request
// on one listener:
//
//	POST <sink_path>   plain HTTP dummy, drained, 204
//	GET  <fake_path>   tunnel upgrade → EncryptedConn → [snappy] → smux
//	anything else      nginx decoy page
type Server struct {
	cfg    *ServerConfig
	tunnel *TunnelConfig
	stats  *SinkStats
	log    *zap.Logger

	sessMu         sync.RWMutex
	sessions       map[string]*smux.Session // keyed by remote addr
	sessionCreated map[string]time.Time
}

func NewServer(cfg *Config, stats *SinkStats, log *zap.Logger) *Server {
	if stats == nil {
		stats = NewSinkStats()
	}
	return &Server{
		cfg:            &cfg.Server,
		tunnel:         &cfg.Tunnel,
		stats:          stats,
		log:            orDefault(log).Named("server"),
		sessions:       make(map[string]*smux.Session),
		sessionCreated: make(map[string]time.Time),
	}
}

// Stats returns the counters the server updates.
func (s *Server) Stats() *SinkStats { return s.stats }

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.SinkPath, s.handleSink)
	if prefix := tunnelPrefix(&s.tunnel.Mimic); prefix != s.cfg.SinkPath {
		mux.HandleFunc(prefix, s.handleTunnel)
	}
	mux.HandleFunc("/", s.handleDecoy)
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.cleanupSessions(ctx)
	}()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.log.Info("sink listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("sink_path", s.cfg.SinkPath),
		zap.String("tunnel_path", tunnelPrefix(&s.tunnel.Mimic)))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	case err := <-errCh:
		serveErr = fmt.Errorf("http server failed: %w", err)
	}

	s.closeSessions()
	wg.Wait()
	return serveErr
}

func (s *Server) handleSink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeDecoy(w, r)
		return
	}
	n := drain(r.Body)
	s.stats.HTTPDummies.Add(1)
	s.stats.BytesDrained.Add(n)
	s.log.Debug("http dummy absorbed", zap.Int64("bytes", n), zap.String("remote", r.RemoteAddr))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if ok, reason := validateUpgrade(r, &s.tunnel.Mimic); !ok {
		s.log.Debug("tunnel request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.String("reason", reason))
		s.writeDecoy(w, r)
		return
	}
	s.upgrade(w, r)
}

func (s *Server) handleDecoy(w http.ResponseWriter, r *http.Request) {
	s.writeDecoy(w, r)
}

// upgrade hijacks the connection, answers 101 and serves an smux session on it.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conn.SetDeadline(time.Time{})
	if _, err := io.WriteString(conn, upgradeResponse); err != nil {
		conn.Close()
		return
	}

	ec, err := NewEncryptedConn(conn, s.tunnel.PSK, &s.tunnel.Obfs, s.log)
	if err != nil {
		s.log.Error("encrypted conn", zap.Error(err))
		conn.Close()
		return
	}
	smuxConn := NewCompressedConn(ec, s.tunnel.Compression)

	sess, err := smux.Server(smuxConn, buildSmuxConfig(&s.tunnel.Smux))
	if err != nil {
		s.log.Error("smux server", zap.Error(err))
		smuxConn.Close()
		return
	}

	key := conn.RemoteAddr().String()
	s.setSession(key, sess)
	s.log.Info("tunnel session opened", zap.String("remote", key))

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			s.log.Info("tunnel session closed", zap.String("remote", key), zap.Error(err))
			s.clearSession(key, sess)
			return
		}
		go s.handleStream(stream)
	}
}

// handleStream drains sink streams and refuses everything else; the sink
// never dials out.
func (s *Server) handleStream(stream *smux.Stream) {
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(10 * time.Second))
	target, err := readTarget(stream)
	if err != nil {
		s.log.Debug("bad stream header", zap.Error(err))
		return
	}
	if !strings.HasPrefix(target, "sink://") {
		s.stats.Refused.Add(1)
		s.log.Warn("stream target refused", zap.String("target", target))
		return
	}

	stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	n := drain(stream)
	s.stats.TunnelDummies.Add(1)
	s.stats.BytesDrained.Add(n)
	s.log.Debug("tunnel dummy absorbed", zap.Int64("bytes", n))
}

func drain(r io.Reader) int64 {
	bufPtr := drainBufPool.Get().(*[]byte)
	defer drainBufPool.Put(bufPtr)
	n, _ := io.CopyBuffer(io.Discard, io.LimitReader(r, maxSinkBody), *bufPtr)
	return n
}

func (s *Server) setSession(key string, sess *smux.Session) {
	s.sessMu.Lock()
	old := s.sessions[key]
	s.sessions[key] = sess
	s.sessionCreated[key] = time.Now()
	s.sessMu.Unlock()

	s.stats.TotalSessions.Add(1)
	s.stats.ActiveSessions.Add(1)
	if old != nil && old != sess {
		s.stats.ActiveSessions.Add(-1)
		old.Close()
	}
}

func (s *Server) clearSession(key string, sess *smux.Session) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.sessions[key] == sess {
		delete(s.sessions, key)
		delete(s.sessionCreated, key)
		s.stats.ActiveSessions.Add(-1)
	}
	sess.Close()
}

// SessionCount reports the live tunnel sessions.
func (s *Server) SessionCount() int {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return len(s.sessions)
}

func (s *Server) closeSessions() {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	for key, sess := range s.sessions {
		sess.Close()
		delete(s.sessions, key)
		delete(s.sessionCreated, key)
		s.stats.ActiveSessions.Add(-1)
	}
}

// cleanupSessions drops closed sessions and ones idle with no streams for
// more than 3 minutes.
func (s *Server) cleanupSessions(ctx context.Context) {
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.sessMu.Lock()
			for key, sess := range s.sessions {
				idle := sess.NumStreams() == 0 && time.Since(s.sessionCreated[key]) > 3*time.Minute
				if !sess.IsClosed() && !idle {
					continue
				}
				sess.Close()
				delete(s.sessions, key)
				delete(s.sessionCreated, key)
				s.stats.ActiveSessions.Add(-1)
				s.log.Debug("removed session", zap.String("remote", key), zap.Bool("idle", idle))
			}
			s.sessMu.Unlock()
		}
	}
}

func (s *Server) writeDecoy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", "nginx/1.18.0")
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("X-Frame-Options", "SAMEORIGIN")

	status := http.StatusNotFound
	if r.URL.Path == "/" || r.URL.Path == "/index.html" {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(decoyBody(r.URL.Path))
}

func decoyBody(path string) []byte {
	if strings.Contains(path, "api") || strings.Contains(path, "json") {
		return []byte(fmt.Sprintf(`{"status":"error","code":404,"ts":%d}`, time.Now().Unix()))
	}
	return []byte(`<!DOCTYPE html><html><head><title>Welcome to nginx!</title>` +
		`<style>body{width:35em;margin:0 auto;font-family:Tahoma,Verdana,Arial,sans-serif}</style>` +
		`</head><body><h1>Welcome to nginx!</h1>` +
		`<p>If you see this page, the nginx web server is successfully installed.</p>` +
		`</body></html>`)
}
