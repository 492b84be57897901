package smp

import "fmt"

// Frame is a complete SMP datagram: header plus CBOR-encoded payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// NewFrame builds a Frame with the given op/group/command and an
// already-CBOR-encoded payload; Header.Length is derived from the payload.
func NewFrame(op uint8, group uint16, sequence uint8, command uint8, payload []byte) Frame {
	return Frame{
		Header: Header{
			Op:       op,
			Version:  Version2,
			Length:   uint16(len(payload)),
			Group:    group,
			Sequence: sequence,
			Command:  command,
		},
		Payload: payload,
	}
}

// Validate checks that the header's declared length matches the actual
// payload size and that the version is a known value.
func (f Frame) Validate() error {
	if int(f.Header.Length) != len(f.Payload) {
		return fmt.Errorf("%w: header declares %d bytes, got %d", ErrHeaderLengthMismatch, f.Header.Length, len(f.Payload))
	}
	if f.Header.Version != VersionLegacy && f.Header.Version != Version2 {
		return fmt.Errorf("smp: invalid header version %d", f.Header.Version)
	}
	return nil
}

// Marshal serializes the frame to its complete wire representation
// (header || payload).
func (f Frame) Marshal() []byte {
	out := make([]byte, 0, HeaderSize+len(f.Payload))
	out = append(out, f.Header.Marshal()...)
	out = append(out, f.Payload...)
	return out
}

// UnmarshalFrame decodes a complete SMP datagram (header || payload).
func UnmarshalFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: frame too small, need at least %d bytes, got %d", ErrFramingError, HeaderSize, len(b))
	}

	header, err := UnmarshalHeader(b[:HeaderSize])
	if err != nil {
		return Frame{}, err
	}

	payload := b[HeaderSize:]
	frame := Frame{Header: header, Payload: payload}
	if err := frame.Validate(); err != nil {
		return Frame{}, err
	}

	return frame, nil
}

// matchesRequest reports whether a response frame is a valid reply to req,
// checking sequence, group, command, and op in that order. It returns the
// first violated check as an error, or nil if the response matches.
func matchesRequest(req Frame, resp Frame) error {
	if resp.Header.Sequence != req.Header.Sequence {
		return fmt.Errorf("%w: got %d, want %d", ErrBadSequence, resp.Header.Sequence, req.Header.Sequence)
	}
	if resp.Header.Group != req.Header.Group {
		return fmt.Errorf("%w: got %d, want %d", ErrBadGroup, resp.Header.Group, req.Header.Group)
	}
	if resp.Header.Command != req.Header.Command {
		return fmt.Errorf("%w: got %d, want %d", ErrBadCommand, resp.Header.Command, req.Header.Command)
	}
	if resp.Header.Op != ResponseOp(req.Header.Op) {
		return fmt.Errorf("%w: got %d, want %d", ErrBadOperation, resp.Header.Op, ResponseOp(req.Header.Op))
	}
	return nil
}
