package picopad

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DashboardConfig configures the status API.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	User    string `yaml:"user"` // Basic Auth; empty disables auth
	Pass    string `yaml:"pass"`
}

// Dashboard serves read-only status: padder metrics on the client, sink
// counters on the server, prometheus on both.
type Dashboard struct {
	cfg       DashboardConfig
	mode      string
	version   string
	machine   *Machine
	recorder  *Recorder
	sink      *Server
	registry  *prometheus.Registry
	startTime time.Time
	log       *zap.Logger
}

// DashboardOptions lists what the dashboard reports on. Any of the
// components may be nil.
type DashboardOptions struct {
	Mode     string
	Version  string
	Machine  *Machine
	Recorder *Recorder
	Sink     *Server
	Prom     *PromMetrics
	Logger   *zap.Logger
}

func NewDashboard(cfg DashboardConfig, opts DashboardOptions) *Dashboard {
	reg := prometheus.NewRegistry()
	if opts.Prom != nil {
		reg = opts.Prom.Registry()
	}
	reg.MustRegister(collectors.NewGoCollector())

	rec := opts.Recorder
	if rec == nil && opts.Machine != nil {
		rec = opts.Machine.Recorder()
	}
	return &Dashboard{
		cfg:       cfg,
		mode:      opts.Mode,
		version:   opts.Version,
		machine:   opts.Machine,
		recorder:  rec,
		sink:      opts.Sink,
		registry:  reg,
		startTime: time.Now(),
		log:       orDefault(opts.Logger).Named("dashboard"),
	}
}

func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.Handle("/api/stats", d.auth(http.HandlerFunc(d.handleStats)))
	mux.Handle("/api/transitions", d.auth(http.HandlerFunc(d.handleTransitions)))
	mux.Handle("/metrics", d.auth(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	return mux
}

// Run serves until ctx is done. It returns nil at once when disabled.
func (d *Dashboard) Run(ctx context.Context) error {
	if !d.cfg.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("dashboard listen %s: %w", d.cfg.Listen, err)
	}
	srv := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
	d.log.Info("dashboard listening", zap.String("addr", ln.Addr().String()), zap.Bool("auth", d.cfg.User != ""))

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
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (d *Dashboard) auth(next http.Handler) http.Handler {
	if d.cfg.User == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(d.cfg.User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(d.cfg.Pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="picopad"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

type statsResponse struct {
	Mode    string        `json:"mode"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Memory  string        `json:"memory"`
	Padding *paddingStats `json:"padding,omitempty"`
	Sink    *SinkSnapshot `json:"sink,omitempty"`
}

type paddingStats struct {
	Status  *Status  `json:"status,omitempty"`
	Metrics *Metrics `json:"metrics"`
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := statsResponse{
		Mode:    d.mode,
		Version: d.version,
		Uptime:  time.Since(d.startTime).Round(time.Second).String(),
		Memory:  humanBytes(int64(ms.Alloc)),
	}
	if d.recorder != nil {
		resp.Padding = &paddingStats{Metrics: d.recorder.Snapshot()}
		if d.machine != nil {
			if st, ok := d.machine.Status(); ok {
				resp.Padding.Status = &st
			}
		}
	}
	if d.sink != nil {
		snap := d.sink.Stats().Snapshot()
		resp.Sink = &snap
	}
	writeJSON(w, resp)
}

func (d *Dashboard) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if d.recorder == nil {
		writeJSON(w, []TransitionRecord{})
		return
	}
	writeJSON(w, d.recorder.Transitions())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
