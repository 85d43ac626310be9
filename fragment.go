package picopad

import (
	"context"
	"net"
	"sync"
	"time"
)

// FragmentConfig controls ClientHello fragmentation on tunnel dials.
type FragmentConfig struct {
	Enabled  bool `yaml:"enabled"`
	MinSize  int  `yaml:"min_size"`  // default 64
	MaxSize  int  `yaml:"max_size"`  // default 191
	MinDelay int  `yaml:"min_delay"` // ms, default 1
	MaxDelay int  `yaml:"max_delay"` // ms, default 2
}

// FragmentedConn splits the first write larger than fragmentSize in two,
// pausing between the halves so they leave as separate segments. Later
// writes pass through.
type FragmentedConn struct {
	net.Conn
	fragmentSize int
	delay        time.Duration

	mu      sync.Mutex
	written bool
}

func (c *FragmentedConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.written || len(b) <= c.fragmentSize {
		c.written = true
		return c.Conn.Write(b)
	}
	c.written = true

	n1, err := c.Conn.Write(b[:c.fragmentSize])
	if err != nil {
		return n1, err
	}
	time.Sleep(c.delay)
	n2, err := c.Conn.Write(b[c.fragmentSize:])
	return n1 + n2, err
}

// DialFragmented dials TCP with Nagle disabled from the first segment and,
// when cfg is enabled, wraps the conn in a FragmentedConn with a random
// split size and pause.
func DialFragmented(ctx context.Context, addr string, cfg *FragmentConfig, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, Control: nodelayControl}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Enabled {
		return conn, nil
	}

	size := pickBetween(cfg.MinSize, cfg.MaxSize, 64, 191)
	delayMS := pickBetween(cfg.MinDelay, cfg.MaxDelay, 1, 2)
	return &FragmentedConn{
		Conn:         conn,
		fragmentSize: size,
		delay:        time.Duration(delayMS) * time.Millisecond,
	}, nil
}

// pickBetween returns a uniform value in [lo, hi], substituting the
// defaults for non-positive bounds.
func pickBetween(lo, hi, defLo, defHi int) int {
	if lo <= 0 {
		lo = defLo
	}
	if hi <= 0 {
		hi = defHi
	}
	if hi <= lo {
		return lo
	}
	return lo + secureRandInt(hi-lo+1)
}
