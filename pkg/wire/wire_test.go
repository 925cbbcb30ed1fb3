package wire

import (
	"bytes"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_AppendFrame_Golden(t *testing.T) {
	frame := Frame{
		Type:       TypeExchangeData,
		Flags:      FlagResponse,
		ExchangeID: 0xDEADBEEF,
		Payload:    []byte("ok"),
	}

	// magic aa | version 01 | type 05 | flags 01 | exchange id | length | payload
	expected := "aa010501" + "00000000deadbeef" + "00000002" + "6f6b"

	assert.Equal(t, expected, hex.EncodeToString(AppendFrame(nil, frame)))
}

func Test_ParseFrame_RoundTrip(t *testing.T) {
	for _, test := range []struct {
		name  string
		frame Frame
	}{
		{name: "control frame no payload", frame: Frame{Type: TypeHealth}},
		{name: "init with payload", frame: Frame{Type: TypeInit, Payload: []byte("registration")}},
		{name: "exchange request", frame: Frame{Type: TypeExchangeData, ExchangeID: 1, Payload: []byte("GET / HTTP/1.1\r\n\r\n")}},
		{name: "exchange response", frame: Frame{Type: TypeExchangeEnd, Flags: FlagResponse, ExchangeID: 42}},
		{name: "zero length payload", frame: Frame{Type: TypeExchangeData, ExchangeID: 7, Payload: nil}},
		{name: "max exchange id", frame: Frame{Type: TypeExchangeEnd, ExchangeID: ^uint64(0)}},
		{name: "close", frame: Frame{Type: TypeClose}},
	} {
		t.Run(test.name, func(t *testing.T) {
			encoded := AppendFrame(nil, test.frame)

			decoded, n, err := ParseFrame(encoded, 0)
			require.NoError(t, err)
			assert.Equal(t, len(encoded), n)
			assert.Equal(t, test.frame.Type, decoded.Type)
			assert.Equal(t, test.frame.Flags, decoded.Flags)
			assert.Equal(t, test.frame.ExchangeID, decoded.ExchangeID)
			assert.Equal(t, []byte(test.frame.Payload), append([]byte(nil), decoded.Payload...))
		})
	}
}

func Test_ParseFrame_MaxPayload(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64)
	encoded := AppendFrame(nil, Frame{Type: TypeExchangeData, ExchangeID: 1, Payload: payload})

	decoded, _, err := ParseFrame(encoded, 64)
	require.NoError(t, err)
	assert.Len(t, decoded.Payload, 64)

	_, _, err = ParseFrame(encoded, 63)
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func Test_ParseFrame_NeedMoreData(t *testing.T) {
	encoded := AppendFrame(nil, Frame{Type: TypeExchangeData, ExchangeID: 3, Payload: []byte("payload")})

	// every proper prefix of a valid frame wants more data
	for i := 0; i < len(encoded); i++ {
		_, n, err := ParseFrame(encoded[:i], 0)
		require.ErrorIs(t, err, ErrShortBuffer, "prefix length %d", i)
		assert.Zero(t, n)
	}
}

func Test_ParseFrame_Corrupt(t *testing.T) {
	valid := AppendFrame(nil, Frame{Type: TypeHealth})

	for _, test := range []struct {
		name   string
		mutate func([]byte)
	}{
		{name: "bad magic", mutate: func(b []byte) { b[0] = 0xAB }},
		{name: "bad version", mutate: func(b []byte) { b[1] = 0x02 }},
		{name: "unknown type", mutate: func(b []byte) { b[2] = 0xFF }},
		{name: "zero type", mutate: func(b []byte) { b[2] = 0x00 }},
	} {
		t.Run(test.name, func(t *testing.T) {
			encoded := append([]byte(nil), valid...)
			test.mutate(encoded)

			_, _, err := ParseFrame(encoded, 0)
			require.ErrorIs(t, err, ErrCorruptFrame)
		})
	}
}

func Test_EncoderDecoder_Stream(t *testing.T) {
	frames := []Frame{
		{Type: TypeInit, Payload: []byte("hello")},
		{Type: TypeInitAck, Payload: []byte("token")},
		{Type: TypeExchangeData, ExchangeID: 1, Payload: []byte("chunk-one")},
		{Type: TypeExchangeData, ExchangeID: 2, Payload: []byte("chunk-two")},
		{Type: TypeExchangeEnd, ExchangeID: 1},
		{Type: TypeExchangeEnd, Flags: FlagResponse, ExchangeID: 2, Payload: nil},
		{Type: TypeClose},
	}

	var buf bytes.Buffer

	enc := NewEncoder(&buf)
	for _, frame := range frames {
		require.NoError(t, enc.Encode(frame))
	}

	dec := NewDecoder(&buf)
	for i, expected := range frames {
		decoded, err := dec.Decode()
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, expected.Type, decoded.Type)
		assert.Equal(t, expected.Flags, decoded.Flags)
		assert.Equal(t, expected.ExchangeID, decoded.ExchangeID)
		assert.Equal(t, []byte(expected.Payload), append([]byte(nil), decoded.Payload...))
	}

	_, err := dec.Decode()
	require.ErrorIs(t, err, io.EOF)
}

func Test_Decoder_TruncatedPayload(t *testing.T) {
	encoded := AppendFrame(nil, Frame{Type: TypeExchangeData, ExchangeID: 1, Payload: []byte("truncated")})

	dec := NewDecoder(bytes.NewReader(encoded[:len(encoded)-3]))

	_, err := dec.Decode()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func Test_Decoder_Corrupt(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(bytes.Repeat([]byte{0x00}, HeaderLen)))

	_, err := dec.Decode()
	require.ErrorIs(t, err, ErrCorruptFrame)
}
