package picopad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer is told about real traffic crossing the proxy.
type Observer interface {
	// Observe reports an outbound request and whether it counted as real traffic.
	Observe(method string) bool
	ObserveResponse()
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var relayBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

// Proxy is a local HTTP forward proxy that reports the real requests it
// carries to an Observer.
type Proxy struct {
	obs         Observer
	transport   *http.Transport
	dialTimeout time.Duration
	log         *zap.Logger
}

func NewProxy(obs Observer, cfg *ProxyConfig, log *zap.Logger) *Proxy {
	timeout := time.Duration(cfg.DialTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &Proxy{
		obs: obs,
		transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   timeout,
			ExpectContinueTimeout: time.Second,
		},
		dialTimeout: timeout,
		log:         orDefault(log).Named("proxy"),
	}
}

// ListenAndServe serves on addr until ctx is done.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	p.log.Info("proxy listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		p.transport.CloseIdleConnections()
		return nil
	case err := <-errCh:
		return fmt.Errorf("proxy failed: %w", err)
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "not a proxy request", http.StatusBadRequest)
		return
	}

	counted := p.obs.Observe(r.Method)

	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.log.Debug("upstream failed", zap.String("host", r.URL.Host), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if counted {
		p.obs.ObserveResponse()
	}

	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleConnect tunnels the client to r.Host without looking inside.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	counted := p.obs.Observe(r.Method)

	upstream, err := net.DialTimeout("tcp", r.Host, p.dialTimeout)
	if err != nil {
		p.log.Debug("connect dial failed", zap.String("host", r.Host), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		client.Close()
		upstream.Close()
		return
	}
	if counted {
		p.obs.ObserveResponse()
	}
	relay(client, upstream)
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// relay copies both ways and closes both sides once either direction ends.
func relay(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	cp := func(dst io.WriteCloser, src io.Reader) {
		bufPtr := relayBufPool.Get().(*[]byte)
		io.CopyBuffer(dst, src, *bufPtr)
		relayBufPool.Put(bufPtr)
		dst.Close()
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	<-done
}
