package picopad

import (
	"io"
	"net"

	"github.com/golang/snappy"
)

// CompressedConn applies snappy stream compression between EncryptedConn
// and smux. Both tunnel ends must agree on the setting.
type CompressedConn struct {
	net.Conn
	reader *snappy.Reader
	writer *snappy.Writer
}

var _ io.ReadWriteCloser = (*CompressedConn)(nil)

// NewCompressedConn wraps conn for algo. Unknown algorithms, "" and "none"
// return conn unchanged.
func NewCompressedConn(conn net.Conn, algo string) net.Conn {
	if algo != "snappy" {
		return conn
	}
	return &CompressedConn{
		Conn:   conn,
		reader: snappy.NewReader(conn),
		writer: snappy.NewBufferedWriter(conn),
	}
}

func (c *CompressedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// Write flushes every call; smux frames are latency sensitive.
func (c *CompressedConn) Write(b []byte) (int, error) {
	n, err := c.writer.Write(b)
	if err != nil {
		return n, err
	}
	if err := c.writer.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (c *CompressedConn) Close() error {
	c.writer.Close()
	return c.Conn.Close()
}
