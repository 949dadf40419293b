package codec

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"async-rpc/message"
)

func sampleMessages() []*message.RPCMessage {
	return []*message.RPCMessage{
		{Operation: "Echo", RequestID: "7f1c", Payload: []byte(`{"text":"hi"}`)},
		{Operation: "Echo", RequestID: "7f1c", ErrorCode: "ThrottlingException", Error: "slow down", RetryAfterMs: 1200},
		{},
	}
}

func TestCodecsRoundTripEnvelope(t *testing.T) {
	for _, cdc := range []Codec{GetCodec(CodecTypeJSON), GetCodec(CodecTypeBinary)} {
		for _, original := range sampleMessages() {
			data, err := cdc.Encode(original)
			require.NoError(t, err, cdc.Type().String())

			var decoded message.RPCMessage
			require.NoError(t, cdc.Decode(data, &decoded), cdc.Type().String())
			assert.Equal(t, *original, decoded, cdc.Type().String())
		}
	}
}

func TestBinaryCodecRejectsOtherValues(t *testing.T) {
	cdc := &BinaryCodec{}
	_, err := cdc.Encode(map[string]string{"a": "b"})
	assert.True(t, errors.Is(err, ErrNotMessage))

	var s string
	err = cdc.Decode([]byte{0, 0}, &s)
	assert.True(t, errors.Is(err, ErrNotMessage))
}

func TestBinaryCodecTruncated(t *testing.T) {
	cdc := &BinaryCodec{}
	data, err := cdc.Encode(sampleMessages()[0])
	require.NoError(t, err)

	for _, n := range []int{0, 1, 5, len(data) / 2, len(data) - 1} {
		var msg message.RPCMessage
		err := cdc.Decode(data[:n], &msg)
		assert.True(t, errors.Is(err, ErrTruncated), "prefix of %d bytes", n)
	}

	// declared payload length far beyond the body
	bogus := []byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}
	var msg message.RPCMessage
	assert.True(t, errors.Is(cdc.Decode(bogus, &msg), ErrTruncated))
}

func TestParse(t *testing.T) {
	ct, err := Parse("binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, ct)

	ct, err = Parse("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	_, err = Parse("xml")
	assert.True(t, errors.Is(err, errors.NotValid))
}
