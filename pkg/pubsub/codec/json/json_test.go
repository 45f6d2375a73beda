package json

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec"
)

func sampleMessage() *codec.NetworkMessage {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &codec.NetworkMessage{
		PublisherID: codec.PublisherID{Kind: codec.PublisherIDUInt32, UInt32: 77},
		GroupHeader: codec.GroupHeader{
			Present:              true,
			WriterGroupID:        3,
			GroupVersion:         55,
			NetworkMessageNumber: 1,
		},
		PayloadHeader: codec.PayloadHeader{Present: true, DataSetWriterIDs: []uint16{1, 2}},
		HasTimestamp:  true,
		Timestamp:     ts,
		Payload: []codec.DataSetMessage{
			{
				Type: codec.DataSetMessageKeyFrame,
				KeyFrameFields: []codec.FieldValue{
					{Value: "alpha"},
					{Value: float64(2.5)},
				},
			},
			{
				Type: codec.DataSetMessageDeltaFrame,
				DeltaFields: []codec.DeltaField{
					{FieldIndex: 0, Value: codec.FieldValue{Value: true}},
				},
			},
			{Type: codec.DataSetMessageKeepAlive},
		},
	}
}

func TestEncodeDecode_ReversibleRoundTrips(t *testing.T) {
	c := New(ModeReversible)
	msg := sampleMessage()

	buf, err := c.Encode(msg)
	require.NoError(t, err)

	decoded, err := c.Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, msg.PublisherID, decoded.PublisherID)
	assert.Equal(t, msg.GroupHeader.WriterGroupID, decoded.GroupHeader.WriterGroupID)
	require.Len(t, decoded.Payload, 3)
	assert.Equal(t, "alpha", decoded.Payload[0].KeyFrameFields[0].Value)
	assert.Equal(t, float64(2.5), decoded.Payload[0].KeyFrameFields[1].Value)
	assert.Equal(t, codec.DataSetMessageDeltaFrame, decoded.Payload[1].Type)
	assert.Equal(t, true, decoded.Payload[1].DeltaFields[0].Value.Value)
	assert.Equal(t, codec.DataSetMessageKeepAlive, decoded.Payload[2].Type)
	assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
}

func TestEncodeDecode_NonReversiblePublisherIDLosesWidthButKeepsValue(t *testing.T) {
	c := New(ModeNonReversible)
	msg := sampleMessage()

	buf, err := c.Encode(msg)
	require.NoError(t, err)
	decoded, err := c.Decode(buf)
	require.NoError(t, err)

	// Non-reversible publisher ids round-trip through a bare decimal string,
	// so the decoder cannot recover the original Kind (uint32 vs uint64).
	assert.Equal(t, codec.PublisherIDUInt64, decoded.PublisherID.Kind)
	assert.Equal(t, uint64(77), decoded.PublisherID.UInt64)
}

func TestEncode_SpecialFloatsEncodeAsStrings(t *testing.T) {
	c := New(ModeReversible)
	msg := &codec.NetworkMessage{
		PublisherID:   codec.PublisherID{Kind: codec.PublisherIDByte, Byte: 1},
		PayloadHeader: codec.PayloadHeader{Present: true, DataSetWriterIDs: []uint16{1}},
		Payload: []codec.DataSetMessage{{
			Type: codec.DataSetMessageKeyFrame,
			KeyFrameFields: []codec.FieldValue{
				{Value: math.Inf(1)},
				{Value: math.Inf(-1)},
				{Value: math.NaN()},
			},
		}},
	}

	buf, err := c.Encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"Infinity"`)
	assert.Contains(t, string(buf), `"-Infinity"`)
	assert.Contains(t, string(buf), `"NaN"`)

	decoded, err := c.Decode(buf)
	require.NoError(t, err)
	fields := decoded.Payload[0].KeyFrameFields
	assert.True(t, math.IsInf(fields[0].Value.(float64), 1))
	assert.True(t, math.IsInf(fields[1].Value.(float64), -1))
	assert.True(t, math.IsNaN(fields[2].Value.(float64)))
}

func TestEncodeSecured_DecodeSecured_RoundTrips(t *testing.T) {
	c := New(ModeReversible)
	msg := sampleMessage()
	msg.HasSecurityHeader = true
	msg.Security = codec.SecurityHeader{TokenID: 9, MessageNonce: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}

	sign := func(headerAndPayload []byte) ([]byte, error) {
		return []byte("deterministic-signature"), nil
	}
	xorKey := byte(0x33)
	encrypt := func(plaintext []byte) ([]byte, error) {
		out := make([]byte, len(plaintext))
		for i, b := range plaintext {
			out[i] = b ^ xorKey
		}
		return out, nil
	}
	decrypt := func(nonce [8]byte, ciphertext []byte) ([]byte, error) {
		out := make([]byte, len(ciphertext))
		for i, b := range ciphertext {
			out[i] = b ^ xorKey
		}
		return out, nil
	}
	verify := func(headerAndPayload, signature []byte) error {
		assert.Equal(t, []byte("deterministic-signature"), signature)
		return nil
	}

	buf, err := c.EncodeSecured(msg, 0, sign, encrypt)
	require.NoError(t, err)

	decoded, err := c.DecodeSecured(buf, verify, decrypt)
	require.NoError(t, err)

	assert.Equal(t, uint32(9), decoded.Security.TokenID)
	require.Len(t, decoded.Payload, 3)
	assert.Equal(t, "alpha", decoded.Payload[0].KeyFrameFields[0].Value)
}

func TestDecodeSecured_PropagatesVerifyFailure(t *testing.T) {
	c := New(ModeReversible)
	msg := sampleMessage()
	msg.HasSecurityHeader = true
	msg.Security = codec.SecurityHeader{TokenID: 1, MessageNonce: [8]byte{1}}

	sign := func(headerAndPayload []byte) ([]byte, error) { return []byte("sig"), nil }
	buf, err := c.EncodeSecured(msg, 0, sign, nil)
	require.NoError(t, err)

	verify := func(headerAndPayload, signature []byte) error {
		return assert.AnError
	}
	_, err = c.DecodeSecured(buf, verify, nil)
	assert.Error(t, err)
}
