package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

const maxFrameSize = 64 << 20 // 64 MiB, generous for the demo's inline fallback

// writeFrame gob-encodes v and writes it as a 4-byte big-endian length
// prefix followed by the payload.
func writeFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("ipc: encoding frame: %w", err)
	}
	if buf.Len() > maxFrameSize {
		return fmt.Errorf("ipc: frame too large (%d bytes > %d)", buf.Len(), maxFrameSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(buf.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: writing frame header: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("ipc: writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed gob frame from r into v.
func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("ipc: reading frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return fmt.Errorf("ipc: frame too large (%d bytes > %d)", n, maxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("ipc: reading frame body: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("ipc: decoding frame: %w", err)
	}
	return nil
}
