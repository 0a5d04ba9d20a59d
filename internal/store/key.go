package store

import (
	"encoding/hex"
	"io"

	"lukechampine.com/blake3"
)

// Key is the content hash of a blob: a 256-bit BLAKE3 digest (spec §3,
// "Store key"). Two files with identical bytes share one Key and one
// store entry.
type Key [32]byte

// String renders the key as lowercase hex, the form used on disk.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKey parses a hex-encoded key, as read back from store_info or a
// directory entry.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != len(k) {
		return k, errInvalidKeyLength(len(b))
	}
	copy(k[:], b)
	return k, nil
}

type errInvalidKeyLength int

func (e errInvalidKeyLength) Error() string {
	return "store: invalid key length"
}

// HashBytes computes the Key of an in-memory blob.
func HashBytes(data []byte) Key {
	sum := blake3.Sum256(data)
	return Key(sum)
}

// HashReader computes the Key of a stream, without buffering it all in
// memory.
func HashReader(r io.Reader) (Key, int64, error) {
	h := blake3.New(32, nil)
	n, err := io.Copy(h, r)
	if err != nil {
		return Key{}, 0, err
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k, n, nil
}
