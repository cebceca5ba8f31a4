// Package ipc is the demo transport that lets cmd/shmarrayctl drive the
// scenarios from spec.md §8 against real OS processes: a coordinator
// listens on a Unix-domain socket, workers dial in, and the two sides
// exchange length-prefixed gob frames carrying either a reduced Descriptor
// or an inline payload. This is explicitly not part of the core transport
// contract (SPEC_FULL.md §6) — any scheduler can drive ForwardReducer /
// BackwardReducer directly without it.
package ipc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/descriptor"
)

const ProtocolVersion = 1

// MessageType tags the payload carried by a Message.
type MessageType string

const (
	TypeSubmit MessageType = "submit" // coordinator -> worker: array argument
	TypeResult MessageType = "result" // worker -> coordinator: array result
	TypeError  MessageType = "error"  // either direction: failure
)

// Message is the wire envelope for one reduced array crossing the socket.
// A message carrying an array populates exactly one of Descriptor or Inline,
// mirroring reducer.Reduced; action-only requests, sample replies and errors
// carry neither.
// Action and Idx/SampleValue are demo-only fields letting the coordinator
// ask a worker to sample an element of the array it just decoded, without
// needing a richer RPC surface.
type Message struct {
	Version     int
	Type        MessageType
	Action      string
	Idx         []int64
	Descriptor  *descriptor.Descriptor
	Inline      []byte // gob-encoded inline fallback payload
	SampleValue int64
	Err         string
}

// EncodeInline gob-encodes a for the inline fallback path (spec §4.6 step
// 3's "transport's default pickling path" — gob standing in for it here).
func EncodeInline(a *arrayview.Ndarray) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("ipc: encoding inline payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeInline reverses EncodeInline.
func DecodeInline(b []byte) (*arrayview.Ndarray, error) {
	var a arrayview.Ndarray
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&a); err != nil {
		return nil, fmt.Errorf("ipc: decoding inline payload: %w", err)
	}
	return &a, nil
}
