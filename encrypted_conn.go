package picopad

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxPacket bounds a single framed packet on read.
const maxPacket = 2 << 20

// EncryptedConn frames every write as one AES-256-GCM packet:
//
//	[4B big-endian length][12B nonce][ciphertext + 16B tag]
//
// With obfs enabled the plaintext is padded first, as
// [2B data length][data][random padding], so packet sizes say little about
// the dummy sizes inside.
type EncryptedConn struct {
	conn net.Conn
	gcm  cipher.AEAD
	obfs *ObfsConfig

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

var _ net.Conn = (*EncryptedConn)(nil)

// NewEncryptedConn derives the key as SHA-256(psk). An empty psk keeps the
// length framing but sends plaintext.
func NewEncryptedConn(conn net.Conn, psk string, obfs *ObfsConfig, log *zap.Logger) (*EncryptedConn, error) {
	ec := &EncryptedConn{conn: conn, obfs: obfs}
	if psk == "" {
		orDefault(log).Warn("tunnel psk is empty, traffic is not encrypted",
			zap.String("remote", conn.RemoteAddr().String()))
		return ec, nil
	}

	key := sha256.Sum256([]byte(psk))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	ec.gcm = gcm
	return ec, nil
}

func (c *EncryptedConn) padding() bool { return c.obfs != nil && c.obfs.Enabled }

func (c *EncryptedConn) Write(data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	payload := data
	if c.padding() {
		payload = addPadding(data, c.obfs)
	}

	var buf []byte
	if c.gcm != nil {
		nonce := make([]byte, c.gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return 0, fmt.Errorf("nonce: %w", err)
		}
		buf = make([]byte, 4, 4+len(nonce)+len(payload)+c.gcm.Overhead())
		buf = append(buf, nonce...)
		buf = c.gcm.Seal(buf, nonce, payload, nil)
	} else {
		buf = make([]byte, 4, 4+len(payload))
		buf = append(buf, payload...)
	}
	binary.BigEndian.PutUint32(buf[:4], uint32(len(buf)-4))

	if _, err := c.conn.Write(buf); err != nil {
		return 0, err
	}

	// Jitter only data-sized writes; smux keepalives are small and must not stall.
	if c.padding() && c.obfs.MaxDelayMS > 0 && len(data) > 128 {
		jitter(c.obfs)
	}
	return len(data), nil
}

func (c *EncryptedConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return 0, err
	}
	pktLen := binary.BigEndian.Uint32(header[:])
	if pktLen == 0 || pktLen > maxPacket {
		return 0, fmt.Errorf("invalid packet length: %d", pktLen)
	}
	pkt := make([]byte, pktLen)
	if _, err := io.ReadFull(c.conn, pkt); err != nil {
		return 0, err
	}

	plaintext := pkt
	if c.gcm != nil {
		ns := c.gcm.NonceSize()
		if len(pkt) < ns {
			return 0, fmt.Errorf("packet too short")
		}
		var err error
		plaintext, err = c.gcm.Open(nil, pkt[:ns], pkt[ns:], nil)
		if err != nil {
			return 0, fmt.Errorf("decrypt: %w", err)
		}
	}
	if c.padding() {
		plaintext = removePadding(plaintext)
		if plaintext == nil {
			return 0, fmt.Errorf("invalid padding")
		}
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.readBuf = append([]byte(nil), plaintext[n:]...)
	}
	return n, nil
}

// decoyPatterns are dropped into large paddings so the padded plaintext
// resembles HTTP header text.
var decoyPatterns = []string{
	"User-Agent: ",
	"POST /dummy HTTP/1.1",
	"Host: ",
	"Accept: */*",
	"Content-Type: application/json",
	"Cache-Control: no-cache",
	"Pragma: no-cache",
}

func addPadding(data []byte, obfs *ObfsConfig) []byte {
	padLen := obfs.MinPadding
	if diff := obfs.MaxPadding - obfs.MinPadding; diff > 0 {
		padLen += secureRandInt(diff)
	}
	out := make([]byte, 2+len(data)+padLen)
	binary.BigEndian.PutUint16(out[:2], uint16(len(data)))
	copy(out[2:], data)
	if padLen == 0 {
		return out
	}
	pad := out[2+len(data):]
	rand.Read(pad)
	if padLen > 12 {
		decoy := decoyPatterns[secureRandInt(len(decoyPatterns))]
		if len(decoy) < padLen {
			off := secureRandInt(padLen - len(decoy) + 1)
			copy(pad[off:], decoy)
		}
	}
	return out
}

func removePadding(data []byte) []byte {
	if len(data) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	if n+2 > len(data) {
		return nil
	}
	return data[2 : 2+n]
}

func jitter(obfs *ObfsConfig) {
	lo, hi := obfs.MinDelayMS, obfs.MaxDelayMS
	if hi <= lo || hi <= 0 {
		return
	}
	if d := lo + secureRandInt(hi-lo); d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
}

func (c *EncryptedConn) Close() error                       { return c.conn.Close() }
func (c *EncryptedConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *EncryptedConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *EncryptedConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *EncryptedConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *EncryptedConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func secureRandInt(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
