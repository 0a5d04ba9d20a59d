package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame's size so a corrupt or hostile
// peer cannot make us allocate an unbounded buffer from a forged length
// prefix.
const maxFrameBytes = 256 << 20

// writeFrame writes env as `u32-length-be || tag || payload` (spec §6).
func writeFrame(w io.Writer, env Envelope) error {
	body := make([]byte, 1+len(env.Payload))
	body[0] = byte(env.Tag)
	copy(body[1:], env.Payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one frame written by writeFrame.
func readFrame(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Envelope{}, fmt.Errorf("transport: empty frame")
	}
	if n > maxFrameBytes {
		return Envelope{}, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("transport: read frame body: %w", err)
	}
	return Envelope{Tag: Tag(body[0]), Payload: body[1:]}, nil
}
