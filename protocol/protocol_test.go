package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, uint32(11), header.BodyLen)
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	decoded, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, header, *decoded)
	assert.Equal(t, body, decodedBody)
}

func TestCancelFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeCancel, Seq: 42}, nil))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeCancel, h.MsgType)
	assert.Equal(t, uint32(42), h.Seq)
	assert.Empty(t, body)
}

func TestDecodeRejectsBadHeaders(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeRequest, Seq: 1}, []byte("x")))
		return buf.Bytes()
	}

	cases := map[string]struct {
		mutate func([]byte)
		want   string
	}{
		"magic":   {func(b []byte) { b[0] = 0 }, "invalid magic number"},
		"version": {func(b []byte) { b[3] = 0xFF }, "unsupported version"},
		"codec":   {func(b []byte) { b[4] = 9 }, "unsupported codec type"},
		"msgType": {func(b []byte) { b[5] = 9 }, "unsupported message type"},
		"bodyLen": {func(b []byte) { binary.BigEndian.PutUint32(b[10:14], MaxBodyLen+1) }, "exceeds limit"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			frame := valid()
			tc.mutate(frame)
			_, _, err := Decode(bytes.NewReader(frame))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFrame))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDecodeShortRead(t *testing.T) {
	_, _, err := Decode(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, io.EOF))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeResponse}, []byte("hello")))
	_, _, err = Decode(bytes.NewReader(buf.Bytes()[:HeaderSize+2]))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeRequest, Seq: 999}, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(largeBody, decodedBody))
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Header{}, make([]byte, MaxBodyLen+1))
	assert.True(t, errors.Is(err, ErrFrame))
	assert.Zero(t, buf.Len())
}
