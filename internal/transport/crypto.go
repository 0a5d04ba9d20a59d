package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// argon2Salt and argon2Params are fixed and embedded in the binary so
// that both peers derive the identical key from a shared password with
// no session negotiation (spec §4.F, "the key-derivation function is
// fixed ... so that both sides agree with no per-session parameters").
var argon2Salt = []byte("taskexec-fixed-salt-v1!!")

const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 2
	argon2KeyLen  = chacha20poly1305.KeySize
)

// deriveKey turns a connection password into a symmetric AEAD key.
func deriveKey(password string) []byte {
	return argon2.IDKey([]byte(password), argon2Salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

// encryptedConn wraps a raw connection with ChaCha20-Poly1305,
// encrypting each frame as a single AEAD-sealed message. The two
// directions of a connection use disjoint nonce spaces (a one-byte
// direction prefix followed by a monotonic counter) so a client and
// server never reuse a nonce under the same key (spec §4.H, "nonces
// derived per-message").
type encryptedConn struct {
	raw      io.ReadWriteCloser
	aead     interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}

	writeMu  sync.Mutex
	writeCtr uint64
	writeDir byte

	readCtr uint64
	readDir byte
	pending []byte // leftover plaintext from a record not yet fully consumed
}

func newEncryptedConn(raw io.ReadWriteCloser, key []byte, isClient bool) (*encryptedConn, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("transport: init aead: %w", err)
	}
	writeDir, readDir := byte(0), byte(1)
	if !isClient {
		writeDir, readDir = byte(1), byte(0)
	}
	return &encryptedConn{raw: raw, aead: aead, writeDir: writeDir, readDir: readDir}, nil
}

func (c *encryptedConn) nonce(dir byte, counter uint64) []byte {
	n := make([]byte, c.aead.NonceSize())
	n[0] = dir
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

func (c *encryptedConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	nonce := c.nonce(c.writeDir, c.writeCtr)
	c.writeCtr++
	sealed := c.aead.Seal(nil, nonce, p, nil)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := c.raw.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := c.raw.Write(sealed); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read decrypts sealed records one at a time and serves their plaintext
// to callers regardless of the caller's buffer size, buffering any
// leftover bytes for the next call — bufio.Reader (used by netConn)
// otherwise has no guarantee its read buffer is large enough to hold a
// whole record.
func (c *encryptedConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.raw, lenBuf[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		sealed := make([]byte, n)
		if _, err := io.ReadFull(c.raw, sealed); err != nil {
			return 0, err
		}

		nonce := c.nonce(c.readDir, c.readCtr)
		c.readCtr++
		plain, err := c.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return 0, fmt.Errorf("transport: decrypt frame: %w", err)
		}
		c.pending = plain
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *encryptedConn) Close() error { return c.raw.Close() }

// wrapConn builds the Conn for a raw transport-level connection,
// encrypting it when password is non-empty.
func wrapConn(raw io.ReadWriteCloser, password string, isClient bool) (Conn, error) {
	if password == "" {
		return newNetConn(raw), nil
	}
	enc, err := newEncryptedConn(raw, deriveKey(password), isClient)
	if err != nil {
		return nil, err
	}
	return newNetConn(enc), nil
}
