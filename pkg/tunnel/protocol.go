package tunnel

import (
	"bytes"

	"github.com/quic-go/quic-go"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// ProtocolName is the ALPN identifier negotiated over TLS.
	ProtocolName = "tunl-v1"

	// ProtocolVersion is the control payload version.
	ProtocolVersion uint8 = 1
)

//go:generate stringer -type=Code
type Code uint8

const (
	CodeOK Code = iota
	CodeBadRequest
	CodeNotFound
	CodeUnauthorized
	CodeKeyTaken
	CodeServerError
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeBadRequest:
		return "BadRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeKeyTaken:
		return "KeyTaken"
	case CodeServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

const (
	// ApplicationOK is used when the connection is being closed
	// intentionally with no error as the peer is going away.
	ApplicationOK = quic.ApplicationErrorCode(0x0)
	// ApplicationError is used when something went wrong.
	// The client can attempt to reconnect in this situation.
	ApplicationError = quic.ApplicationErrorCode(0x1)
	// ApplicationClientError is used when something went wrong
	// handling a client's registration or traffic.
	ApplicationClientError = quic.ApplicationErrorCode(0x2)
)

// RegisterTunnelRequest is the payload of an Init frame. It carries the
// routing key the client wants to claim along with request metadata
// (credentials and the like).
type RegisterTunnelRequest struct {
	Version  uint8
	Key      string
	Metadata map[string]string
}

// RegisterTunnelResponse is the payload of an InitAck frame. On success
// Token holds the opaque session token issued to the client.
type RegisterTunnelResponse struct {
	Version  uint8
	Code     Code
	Token    string
	Metadata map[string]string
	Body     []byte
}

// ResumeRequest is the payload of a Resume frame. The token must match
// the one issued at registration.
type ResumeRequest struct {
	Version uint8
	Token   string
}

// AuthenticationHandler authenticates inbound registration requests on
// the server side.
type AuthenticationHandler interface {
	Authenticate(*RegisterTunnelRequest) error
}

type AuthenticationHandlerFunc func(*RegisterTunnelRequest) error

func (r AuthenticationHandlerFunc) Authenticate(req *RegisterTunnelRequest) error {
	return r(req)
}

// MarshalPayload encodes a control payload for embedding in a frame.
func MarshalPayload[T any](t *T) ([]byte, error) {
	var buf bytes.Buffer

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(&buf)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalPayload decodes a control payload from frame bytes.
func UnmarshalPayload[T any](b []byte) (t T, _ error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(bytes.NewReader(b))

	return t, dec.Decode(&t)
}
