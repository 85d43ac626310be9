package picopad

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode      string `yaml:"mode"`
	LogLevel  string `yaml:"log_level"`
	SessionID string `yaml:"session_id"`

	Padding   PaddingConfig   `yaml:"padding"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Emitter   EmitterConfig   `yaml:"emitter"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type PaddingConfig struct {
	Enabled           bool      `yaml:"enabled"`
	Intensity         int       `yaml:"intensity"`
	MinDelayMS        int       `yaml:"min_delay_ms"`
	IdleHeartbeatMS   int       `yaml:"idle_heartbeat_ms"`
	BurstFallbackMS   int       `yaml:"burst_fallback_ms"`
	SendMinDelayMS    int       `yaml:"send_min_delay_ms"`
	MaxDummyPerSec    float64   `yaml:"max_dummy_per_sec"`
	TransitionLogSize int       `yaml:"transition_log_size"`
	RealMethods       []string  `yaml:"real_methods"`
	Bins              []BinSpec `yaml:"bins"`
}

type ProxyConfig struct {
	Listen      string `yaml:"listen"`
	DialTimeout int    `yaml:"dial_timeout"` // seconds
}

// TunnelConfig is shared by both ends of the smux dummy tunnel; psk,
// compression, obfs and smux must match between client and server.
type TunnelConfig struct {
	Server        string `yaml:"server"`
	Transport     string `yaml:"transport"` // tcpmux, httpmux or httpsmux
	PSK           string `yaml:"psk"`
	Compression   string `yaml:"compression"` // "snappy" or "" (none)
	SkipTLSVerify bool   `yaml:"skip_tls_verify"`
	DialTimeout   int    `yaml:"dial_timeout"`  // seconds
	TCPKeepAlive  int    `yaml:"tcp_keepalive"` // seconds

	Mimic    MimicConfig    `yaml:"mimic"`
	Obfs     ObfsConfig     `yaml:"obfs"`
	Smux     SmuxConfig     `yaml:"smux"`
	Fragment FragmentConfig `yaml:"fragment"`
}

// ObfsConfig controls the padding and write jitter EncryptedConn applies
// inside the tunnel.
type ObfsConfig struct {
	Enabled    bool `yaml:"enabled"`
	MinPadding int  `yaml:"min_padding"`
	MaxPadding int  `yaml:"max_padding"`
	MinDelayMS int  `yaml:"min_delay_ms"`
	MaxDelayMS int  `yaml:"max_delay_ms"`
}

type SmuxConfig struct {
	KeepAlive int `yaml:"keepalive"`
	MaxRecv   int `yaml:"max_recv"`
	MaxStream int `yaml:"max_stream"`
	FrameSize int `yaml:"frame_size"`
	Version   int `yaml:"version"`
}

type ServerConfig struct {
	Listen   string `yaml:"listen"`
	SinkPath string `yaml:"sink_path"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"` // memory, file or redis
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// Settings is the part of the config pushed to the machine on reload.
func (c *Config) Settings() Settings {
	return Settings{Enabled: c.Padding.Enabled, Intensity: c.Padding.Intensity}
}

// Timing converts the millisecond knobs.
func (p *PaddingConfig) Timing() Timing {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Timing{
		MinDelay:      ms(p.MinDelayMS),
		IdleHeartbeat: ms(p.IdleHeartbeatMS),
		BurstFallback: ms(p.BurstFallbackMS),
		SendMinDelay:  ms(p.SendMinDelayMS),
	}
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func applyDefaults(c *Config) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}

	p := &c.Padding
	if p.Intensity == 0 {
		p.Intensity = DefaultIntensity
	}
	if p.MinDelayMS <= 0 {
		p.MinDelayMS = int(DefaultMinDelay / time.Millisecond)
	}
	if p.IdleHeartbeatMS <= 0 {
		p.IdleHeartbeatMS = int(DefaultIdleHeartbeat / time.Millisecond)
	}
	if p.BurstFallbackMS <= 0 {
		p.BurstFallbackMS = int(DefaultBurstFallback / time.Millisecond)
	}
	if p.SendMinDelayMS <= 0 {
		p.SendMinDelayMS = int(DefaultSendMinDelay / time.Millisecond)
	}
	if p.TransitionLogSize <= 0 {
		p.TransitionLogSize = DefaultTransitionLogSize
	}
	if len(p.RealMethods) == 0 {
		p.RealMethods = append([]string(nil), DefaultRealMethods...)
	}
	for i, m := range p.RealMethods {
		p.RealMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	// NOTE: max_dummy_per_sec 0 means uncapped; the default is set before Unmarshal.

	if c.Proxy.Listen == "" {
		c.Proxy.Listen = "127.0.0.1:8118"
	}
	if c.Proxy.DialTimeout <= 0 {
		c.Proxy.DialTimeout = 10
	}

	e := &c.Emitter
	e.Transport = strings.ToLower(strings.TrimSpace(e.Transport))
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Timeout <= 0 {
		e.Timeout = int(DefaultEmitTimeout / time.Second)
	}
	if e.MaxPayload <= 0 {
		e.MaxPayload = DefaultMaxPayload
	}
	e.Fingerprint = strings.ToLower(strings.TrimSpace(e.Fingerprint))
	if e.Fingerprint == "" {
		e.Fingerprint = "chrome"
	}
	if e.UserAgent == "" {
		e.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}

	t := &c.Tunnel
	t.Transport = strings.ToLower(strings.TrimSpace(t.Transport))
	if t.Transport == "" {
		t.Transport = "httpmux"
	}
	if t.DialTimeout <= 0 {
		t.DialTimeout = 10
	}
	if t.TCPKeepAlive <= 0 {
		t.TCPKeepAlive = 15
	}
	// ─── smux defaults (MUST match between server & client) ───
	if t.Smux.KeepAlive <= 0 {
		t.Smux.KeepAlive = 10
	}
	if t.Smux.MaxRecv <= 0 {
		t.Smux.MaxRecv = 4194304
	}
	if t.Smux.MaxStream <= 0 {
		t.Smux.MaxStream = 4194304
	}
	if t.Smux.FrameSize <= 0 {
		t.Smux.FrameSize = 32768
	}
	if t.Smux.Version <= 0 {
		t.Smux.Version = 2
	}
	if t.Mimic.FakeDomain == "" {
		t.Mimic.FakeDomain = "www.google.com"
	}
	if t.Mimic.FakePath == "" {
		t.Mimic.FakePath = "/tunnel"
	}
	t.Mimic.FakePath = normalizePath(t.Mimic.FakePath)
	if t.Mimic.UserAgent == "" {
		t.Mimic.UserAgent = e.UserAgent
	}
	if t.Obfs.MinPadding <= 0 {
		t.Obfs.MinPadding = 4
	}
	if t.Obfs.MaxPadding <= 0 {
		t.Obfs.MaxPadding = 32
	}
	// Fragment sizes only; enabling is left to the user.
	if t.Fragment.MinSize <= 0 {
		t.Fragment.MinSize = 64
	}
	if t.Fragment.MaxSize <= 0 {
		t.Fragment.MaxSize = 191
	}
	if t.Fragment.MinDelay <= 0 {
		t.Fragment.MinDelay = 1
	}
	if t.Fragment.MaxDelay <= 0 {
		t.Fragment.MaxDelay = 2
	}

	if c.Mode == "server" && c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:2020"
	}
	if c.Server.SinkPath == "" {
		c.Server.SinkPath = "/dummy"
	}
	c.Server.SinkPath = normalizePath(c.Server.SinkPath)

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "picopad"
	}

	if c.Dashboard.Listen == "" {
		c.Dashboard.Listen = "127.0.0.1:8119"
	}
}

// LoadConfig reads, defaults and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return ParseConfig(b)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(b []byte) (*Config, error) {
	// Set bool defaults BEFORE Unmarshal so user-specified `false` is respected
	c := Config{}
	c.Padding.Enabled = true
	c.Padding.MaxDummyPerSec = 2
	c.Tunnel.SkipTLSVerify = true
	c.Tunnel.Mimic.SessionCookie = true
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.SessionID = strings.TrimSpace(c.SessionID)
	c.Emitter.URL = strings.TrimSpace(c.Emitter.URL)
	c.Tunnel.Server = strings.TrimSpace(c.Tunnel.Server)

	applyDefaults(&c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for common errors and misconfigurations.
func (c *Config) Validate() error {
	if c.Mode != "server" && c.Mode != "client" {
		return fmt.Errorf("%w: invalid mode %q: expected 'server' or 'client'", ErrConfiguration, c.Mode)
	}

	if c.Padding.Intensity < 0 {
		return fmt.Errorf("%w: padding.intensity must be positive, got %d", ErrConfiguration, c.Padding.Intensity)
	}
	if c.Padding.MaxDummyPerSec < 0 {
		return fmt.Errorf("%w: padding.max_dummy_per_sec must not be negative", ErrConfiguration)
	}
	if len(c.Padding.Bins) > 0 {
		if err := validateBinSpecs(c.Padding.Bins); err != nil {
			return err
		}
	}

	validTransports := map[string]bool{"tcpmux": true, "httpmux": true, "httpsmux": true, "": true}
	if !validTransports[c.Tunnel.Transport] {
		return fmt.Errorf("%w: invalid tunnel transport %q: expected tcpmux/httpmux/httpsmux", ErrConfiguration, c.Tunnel.Transport)
	}
	if c.Tunnel.Smux.Version != 1 && c.Tunnel.Smux.Version != 2 {
		return fmt.Errorf("%w: invalid smux version %d: expected 1 or 2", ErrConfiguration, c.Tunnel.Smux.Version)
	}
	validCompression := map[string]bool{"": true, "none": true, "snappy": true}
	if !validCompression[c.Tunnel.Compression] {
		return fmt.Errorf("%w: invalid compression %q: expected 'snappy' or 'none'", ErrConfiguration, c.Tunnel.Compression)
	}

	if c.Mode == "server" && c.Server.Listen == "" {
		return fmt.Errorf("%w: server mode requires 'server.listen' address", ErrConfiguration)
	}

	if c.Mode == "client" {
		switch c.Emitter.Transport {
		case "http":
			if c.Emitter.URL == "" {
				return fmt.Errorf("%w: emitter.url is required for the http transport", ErrConfiguration)
			}
		case "tunnel":
			if c.Tunnel.Server == "" {
				return fmt.Errorf("%w: tunnel.server is required for the tunnel transport", ErrConfiguration)
			}
		default:
			return fmt.Errorf("%w: invalid emitter transport %q: expected 'http' or 'tunnel'", ErrConfiguration, c.Emitter.Transport)
		}
		if c.Emitter.Fingerprint != "chrome" && c.Emitter.Fingerprint != "none" {
			return fmt.Errorf("%w: invalid fingerprint %q: expected 'chrome' or 'none'", ErrConfiguration, c.Emitter.Fingerprint)
		}
	}

	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the file backend", ErrConfiguration)
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: store.redis.addr is required for the redis backend", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: invalid store backend %q: expected memory/file/redis", ErrConfiguration, c.Store.Backend)
	}

	return nil
}
