// package wire implements the framing layer of the tunl protocol.
//
// Every unit on the tunnel stream is a Frame: a fixed 16 byte header
// followed by a length-delimited payload. The header carries a magic
// byte, protocol version, frame type, direction flags, the exchange
// identifier used for request/response correlation and the payload
// length in bytes. Control frames (Init, Health, Suspend, ...) carry
// exchange id zero.
//
// The codec is pure: it performs no I/O of its own beyond reading and
// writing the supplied streams, holds no retry logic and is safe to
// exercise with golden byte sequences.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic marks the first byte of every frame header.
	Magic byte = 0xAA

	// Version is the current protocol version.
	Version byte = 0x01

	// HeaderLen is the fixed encoded size of a frame header.
	HeaderLen = 16

	// DefaultMaxPayload bounds the payload length a Decoder will accept
	// before declaring the frame corrupt.
	DefaultMaxPayload = 1 << 20

	// ChunkSize is the payload size at which senders split exchange
	// bodies across multiple ExchangeData frames.
	ChunkSize = 32 << 10
)

// Type identifies how a frame's payload is to be interpreted.
type Type uint8

const (
	TypeInvalid Type = iota
	// TypeInit carries a registration request from client to server.
	TypeInit
	// TypeInitAck carries the server's registration response.
	TypeInitAck
	// TypeHealth is a liveness probe; either peer may send it.
	TypeHealth
	// TypeHealthAck answers a TypeHealth probe, echoing its payload.
	TypeHealthAck
	// TypeExchangeData carries a chunk of an exchange body.
	TypeExchangeData
	// TypeExchangeEnd terminates an exchange body in one direction.
	TypeExchangeEnd
	// TypeSuspend parks the session without tearing the transport down.
	TypeSuspend
	// TypeResume unparks a suspended session.
	TypeResume
	// TypeClose announces intentional session shutdown.
	TypeClose
)

func (t Type) String() string {
	switch t {
	case TypeInit:
		return "init"
	case TypeInitAck:
		return "init_ack"
	case TypeHealth:
		return "health"
	case TypeHealthAck:
		return "health_ack"
	case TypeExchangeData:
		return "exchange_data"
	case TypeExchangeEnd:
		return "exchange_end"
	case TypeSuspend:
		return "suspend"
	case TypeResume:
		return "resume"
	case TypeClose:
		return "close"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
}

func (t Type) valid() bool {
	return t > TypeInvalid && t <= TypeClose
}

// Flags carries per-frame modifiers.
type Flags uint8

const (
	// FlagResponse marks exchange frames travelling in the response
	// direction. Unset means request direction.
	FlagResponse Flags = 1 << 0
)

// Response reports whether the frame travels in the response direction.
func (f Flags) Response() bool {
	return f&FlagResponse != 0
}

// Frame is the atomic unit of the tunnel protocol.
type Frame struct {
	Type       Type
	Flags      Flags
	ExchangeID uint64
	Payload    []byte
}

var (
	// ErrCorruptFrame is returned when a byte sequence cannot be a valid
	// frame. It is fatal to the stream it was read from.
	ErrCorruptFrame = errors.New("wire: corrupt frame")

	// ErrShortBuffer is returned by ParseFrame when the buffer does not
	// yet contain a complete frame. Callers should read more bytes and
	// retry.
	ErrShortBuffer = errors.New("wire: short buffer")
)

// AppendFrame appends the encoded form of f to b and returns the
// extended buffer.
func AppendFrame(b []byte, f Frame) []byte {
	b = append(b, Magic, Version, byte(f.Type), byte(f.Flags))
	b = binary.BigEndian.AppendUint64(b, f.ExchangeID)
	b = binary.BigEndian.AppendUint32(b, uint32(len(f.Payload)))
	return append(b, f.Payload...)
}

// ParseFrame decodes a single frame from the front of b, returning the
// frame and the number of bytes consumed. It returns ErrShortBuffer
// when b does not yet hold a complete frame, and ErrCorruptFrame when
// the leading bytes cannot be a frame. maxPayload of zero applies
// DefaultMaxPayload.
func ParseFrame(b []byte, maxPayload uint32) (Frame, int, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	if len(b) < HeaderLen {
		return Frame{}, 0, ErrShortBuffer
	}

	f, length, err := parseHeader(b[:HeaderLen], maxPayload)
	if err != nil {
		return Frame{}, 0, err
	}

	total := HeaderLen + int(length)
	if len(b) < total {
		return Frame{}, 0, ErrShortBuffer
	}

	if length > 0 {
		f.Payload = append([]byte(nil), b[HeaderLen:total]...)
	}

	return f, total, nil
}

func parseHeader(h []byte, maxPayload uint32) (Frame, uint32, error) {
	if h[0] != Magic {
		return Frame{}, 0, fmt.Errorf("%w: unexpected magic 0x%02X", ErrCorruptFrame, h[0])
	}

	if h[1] != Version {
		return Frame{}, 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptFrame, h[1])
	}

	f := Frame{
		Type:       Type(h[2]),
		Flags:      Flags(h[3]),
		ExchangeID: binary.BigEndian.Uint64(h[4:12]),
	}

	if !f.Type.valid() {
		return Frame{}, 0, fmt.Errorf("%w: unknown frame type %d", ErrCorruptFrame, h[2])
	}

	length := binary.BigEndian.Uint32(h[12:16])
	if length > maxPayload {
		return Frame{}, 0, fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrCorruptFrame, length, maxPayload)
	}

	return f, length, nil
}

// Encoder writes frames onto an ordered byte stream.
// It is not safe for concurrent use; callers serialize access.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder constructs an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes a single frame to the underlying stream.
func (e *Encoder) Encode(f Frame) error {
	e.buf = AppendFrame(e.buf[:0], f)
	if _, err := e.w.Write(e.buf); err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}

	return nil
}

// Decoder incrementally reads frames from an ordered byte stream.
type Decoder struct {
	r          io.Reader
	header     [HeaderLen]byte
	maxPayload uint32
}

// NewDecoder constructs a Decoder reading from r with the default
// payload bound.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, maxPayload: DefaultMaxPayload}
}

// Decode blocks until a complete frame has been read from the stream.
// It returns ErrCorruptFrame (wrapped with detail) when the stream
// contents cannot be a frame; the caller is expected to close the
// stream in that case. Transport errors are returned as-is.
func (d *Decoder) Decode() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return Frame{}, err
	}

	f, length, err := parseHeader(d.header[:], d.maxPayload)
	if err != nil {
		return Frame{}, err
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(d.r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return Frame{}, fmt.Errorf("reading %s frame payload: %w", f.Type, err)
		}
	}

	return f, nil
}
