package smp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/goburrow/serial"

	"github.com/smp-go/smpclient/internal/crc16"
)

// Serial framing markers.
var (
	serialStartMarker = []byte{0x06, 0x09}
	serialContMarker  = []byte{0x04, 0x14}
)

// SerialTransportConfig configures SerialTransport.
type SerialTransportConfig struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E", "O" per goburrow/serial.Config.Parity

	// LineLength is the max size of one on-wire chunk, markers and newline
	// included. Reported as MTU.
	LineLength int

	// MaxUnencodedSize is reported by MaxUnencodedSize() as the largest SMP
	// datagram for one logical message. Send does not check outbound
	// datagrams against it. Receive uses it to bound base64 text that does
	// not yet decode: past twice this many characters the partial datagram
	// is dropped. The engine may lower the effective chunk size further
	// after an MTU probe.
	MaxUnencodedSize int
}

// DefaultSerialTransportConfig returns the default serial settings, with
// LineLength taken from DefaultConfig.
func DefaultSerialTransportConfig(port string) SerialTransportConfig {
	cfg := DefaultConfig()
	return SerialTransportConfig{
		Port:             port,
		BaudRate:         115200,
		DataBits:         8,
		StopBits:         1,
		Parity:           "N",
		LineLength:       cfg.LineLength,
		MaxUnencodedSize: 8192,
	}
}

// SerialTransportConfigFromConfig returns the default serial settings with
// LineLength taken from cfg instead of DefaultConfig.
func SerialTransportConfigFromConfig(cfg Config, port string) SerialTransportConfig {
	sc := DefaultSerialTransportConfig(port)
	sc.LineLength = cfg.LineLength
	return sc
}

var _ Transport = (*SerialTransport)(nil)

// SerialTransport implements Transport over a line-framed, CRC-protected,
// base64-encoded serial link.
type SerialTransport struct {
	cfg  SerialTransportConfig
	port serial.Port

	mu     sync.Mutex
	reader *bufio.Reader

	// assembling holds the base64 text accumulated so far for the datagram
	// currently in progress.
	assembling []byte
	inProgress bool
}

// NewSerialTransport creates a SerialTransport. The port is opened by
// Connect, not here.
func NewSerialTransport(cfg SerialTransportConfig) *SerialTransport {
	return &SerialTransport{cfg: cfg}
}

// Connect implements Transport.
func (s *SerialTransport) Connect(ctx context.Context) error {
	port, err := serial.Open(&serial.Config{
		Address:  s.cfg.Port,
		BaudRate: s.cfg.BaudRate,
		DataBits: s.cfg.DataBits,
		StopBits: s.cfg.StopBits,
		Parity:   s.cfg.Parity,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportConnectionFailed, err)
	}

	s.mu.Lock()
	s.port = port
	s.reader = bufio.NewReader(port)
	s.assembling = nil
	s.inProgress = false
	s.mu.Unlock()

	return nil
}

// Disconnect implements Transport. Idempotent.
func (s *SerialTransport) Disconnect() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("smp: disconnect serial: %w", err)
	}
	return nil
}

// Initialize implements Transport. The serial framing needs no post-connect
// negotiation.
func (s *SerialTransport) Initialize(ctx context.Context) error {
	return nil
}

// MTU implements Transport.
func (s *SerialTransport) MTU() int { return s.cfg.LineLength }

// MaxUnencodedSize implements Transport.
func (s *SerialTransport) MaxUnencodedSize() int { return s.cfg.MaxUnencodedSize }

// Send implements Transport, encoding datagram as a length prefix,
// CRC-16/XMODEM, base64, then chunked with start/continue markers.
func (s *SerialTransport) Send(ctx context.Context, datagram []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrTransportNotConnected
	}

	crc := crc16.Checksum(datagram)

	body := make([]byte, 0, 2+len(datagram)+2)
	lengthField := uint16(len(datagram) + 2) // datagram + crc
	body = append(body, byte(lengthField>>8), byte(lengthField))
	body = append(body, datagram...)
	body = append(body, byte(crc>>8), byte(crc))

	encoded := base64.StdEncoding.EncodeToString(body)

	for i, chunk := range splitIntoLineChunks(encoded, s.cfg.LineLength) {
		marker := serialContMarker
		if i == 0 {
			marker = serialStartMarker
		}

		line := make([]byte, 0, len(marker)+len(chunk)+1)
		line = append(line, marker...)
		line = append(line, chunk...)
		line = append(line, '\n')

		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := port.Write(line); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportWriteFailed, err)
		}
	}

	return nil
}

// splitIntoLineChunks splits base64 text into chunks such that chunk +
// 2-byte marker + trailing newline stays within lineLength.
func splitIntoLineChunks(text string, lineLength int) []string {
	maxChunk := lineLength - 2 - 1
	if maxChunk <= 0 {
		maxChunk = 1
	}

	var chunks []string
	for len(text) > 0 {
		n := len(text)
		if n > maxChunk {
			n = maxChunk
		}
		chunks = append(chunks, text[:n])
		text = text[n:]
	}
	if len(chunks) == 0 {
		chunks = append(chunks, "")
	}
	return chunks
}

// Receive implements Transport, accumulating lines until a complete,
// CRC-verified datagram has been reassembled. On CRC mismatch, the partial
// datagram is discarded and reassembly resumes at the next start marker.
// ctx is checked between lines only: a read already waiting on the port
// returns when a line arrives or the read fails, not when ctx is done.
func (s *SerialTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := s.readLine()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportReadFailed, err)
		}
		if len(line) < 2 {
			continue
		}

		marker, rest := line[:2], line[2:]

		switch {
		case bytesEqual(marker, serialStartMarker):
			s.assembling = append([]byte(nil), rest...)
			s.inProgress = true
		case bytesEqual(marker, serialContMarker):
			if !s.inProgress {
				continue // continuation with no start; drop until next start
			}
			s.assembling = append(s.assembling, rest...)
		default:
			continue // not a framed line; ignore stray serial output
		}

		if datagram, ok := s.tryDecode(); ok {
			return datagram, nil
		}
	}
}

// tryDecode attempts to base64-decode and CRC-verify the bytes accumulated
// so far. It returns ok=false when more chunks are needed.
func (s *SerialTransport) tryDecode() ([]byte, bool) {
	decoded, err := base64.StdEncoding.DecodeString(string(s.assembling))
	if err != nil {
		// Not all chunks have arrived yet (partial base64 is often, but not
		// always, invalid); keep accumulating unless we're clearly over
		// budget.
		if len(s.assembling) > s.cfg.MaxUnencodedSize*2 {
			s.resetAssembly()
		}
		return nil, false
	}

	if len(decoded) < 2 {
		return nil, false
	}
	length := binary.BigEndian.Uint16(decoded[:2])
	if len(decoded) < 2+int(length) {
		return nil, false // more chunks still to come
	}

	body := decoded[2 : 2+int(length)]
	if len(body) < 2 {
		s.resetAssembly()
		return nil, false
	}

	datagram := body[:len(body)-2]
	wantCRC := binary.BigEndian.Uint16(body[len(body)-2:])
	gotCRC := crc16.Checksum(datagram)

	s.resetAssembly()

	if gotCRC != wantCRC {
		return nil, false // corrupt frame, discarded; wait for next start marker
	}

	return datagram, true
}

func (s *SerialTransport) resetAssembly() {
	s.assembling = nil
	s.inProgress = false
}

func (s *SerialTransport) readLine() ([]byte, error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	if reader == nil {
		return nil, ErrTransportNotConnected
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
