package descriptor

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// WireEncode serializes d for the IPC demo transport (spec §6 wire
// layout). "w+" is rejected here too, so a bug upstream can never put it on
// the wire.
func WireEncode(d Descriptor) ([]byte, error) {
	if d.Mode == modeWritePlus {
		return nil, fmt.Errorf("descriptor: refusing to encode mode %q", modeWritePlus)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, fmt.Errorf("descriptor: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// WireDecode deserializes a Descriptor, canonicalizing "w+" to "r+" if a
// non-conforming sender ever emits it (spec §3, §6).
func WireDecode(b []byte) (Descriptor, error) {
	var d Descriptor
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: gob decode: %w", err)
	}
	if d.Mode == modeWritePlus {
		d.Mode = ModeReadWrite
	}
	return d, nil
}
