package smp

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR utilities for SMP command payloads, using a canonical encode mode so
// payload length is deterministic for a given value regardless of map
// insertion order.

var cborEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("smp: building canonical cbor encode mode: %v", err))
	}
	return mode
}()

// EncodeCBOR encodes data as a canonical CBOR map.
func EncodeCBOR(data any) ([]byte, error) {
	encoded, err := cborEncMode.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCBORDecodeError, err)
	}
	return encoded, nil
}

// DecodeCBOR decodes a CBOR payload into T.
func DecodeCBOR[T any](data []byte) (T, error) {
	var val T
	if err := cbor.Unmarshal(data, &val); err != nil {
		return val, fmt.Errorf("%w: %v", ErrCBORDecodeError, err)
	}
	return val, nil
}
