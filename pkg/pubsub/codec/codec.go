// Package codec defines the wire-format-agnostic NetworkMessage/
// DataSetMessage object model that the uadp and json sub-packages encode
// and decode, per §4.B.
package codec

import "time"

// PublisherIDKind discriminates the PublisherId tagged union (§3) as a Go
// enum rather than a C union, following the teacher's field-per-variant
// convention (messaging.MessageMetadata).
type PublisherIDKind byte

const (
	PublisherIDByte PublisherIDKind = iota
	PublisherIDUInt16
	PublisherIDUInt32
	PublisherIDUInt64
	PublisherIDString
)

// PublisherID is the tagged-union PublisherId from §3, immutable once a
// Connection is created.
type PublisherID struct {
	Kind   PublisherIDKind
	Byte   byte
	UInt16 uint16
	UInt32 uint32
	UInt64 uint64
	Str    string
}

// DataSetMessageType discriminates a DataSetMessage's payload variant.
type DataSetMessageType byte

const (
	DataSetMessageKeyFrame DataSetMessageType = iota
	DataSetMessageDeltaFrame
	DataSetMessageKeepAlive
)

// FieldValue is one sampled DataSetField's value, status, and source
// timestamp (§4.D publishing algorithm step 1).
type FieldValue struct {
	Value             any
	Status            uint32
	SourceTimestamp   time.Time
	HasSourceTimestamp bool
}

// DeltaField pairs a field index with its new value for a DeltaFrame.
type DeltaField struct {
	FieldIndex uint16
	Value      FieldValue
}

// DataSetMessage is the per-dataset payload inside a NetworkMessage.
type DataSetMessage struct {
	Type DataSetMessageType

	HasSequenceNumber bool
	SequenceNumber    uint16

	HasTimestamp bool
	Timestamp    time.Time

	HasStatus bool
	Status    uint32

	// KeyFrame fields, in PublishedDataSet field order.
	KeyFrameFields []FieldValue

	// DeltaFrame field/value pairs.
	DeltaFields []DeltaField
}

// SecurityHeader carries the per-message security framing from §4.B.
type SecurityHeader struct {
	NetworkMessageSigned    bool
	NetworkMessageEncrypted bool
	TokenID                 uint32
	MessageNonce            [8]byte
	SignatureLength         uint16
}

// GroupHeader is the optional per-WriterGroup section of a NetworkMessage.
type GroupHeader struct {
	Present              bool
	WriterGroupID        uint16
	GroupVersion         uint32
	NetworkMessageNumber uint16
	SequenceNumber       uint16
}

// PayloadHeader lists the DataSetWriter ids multiplexed into one
// NetworkMessage.
type PayloadHeader struct {
	Present          bool
	DataSetWriterIDs []uint16
}

// NetworkMessage is the on-the-wire envelope from §4.B, shared by the UADP
// and JSON encoders.
type NetworkMessage struct {
	PublisherID PublisherID

	GroupHeader   GroupHeader
	PayloadHeader PayloadHeader

	HasTimestamp bool
	Timestamp    time.Time

	HasPicoseconds bool
	Picoseconds    uint16

	PromotedFields []FieldValue

	HasSecurityHeader bool
	Security          SecurityHeader

	Payload []DataSetMessage
}

// Encoding selects a wire format for a WriterGroup or DataSetReader.
type Encoding string

const (
	EncodingUADP Encoding = "uadp"
	EncodingJSON Encoding = "json"
)

// Encoder turns a NetworkMessage into wire bytes.
type Encoder interface {
	Encode(msg *NetworkMessage) ([]byte, error)
}

// Decoder turns wire bytes into a NetworkMessage. Per §4.B's decoder error
// policy, a Decode call either succeeds completely or returns an error
// without mutating any target state — partial-message recovery (skipping
// individual bad DataSetMessages) is the caller's responsibility once it
// has a decoded NetworkMessage's Payload slice.
type Decoder interface {
	Decode(buf []byte) (*NetworkMessage, error)
}

// SignFunc computes a MAC over header+payload bytes; EncryptFunc/DecryptFunc
// cover the payload region only. These are plain function types rather than
// a pkg/pubsub/security.Policy parameter so codec implementations never need
// to import the security package.
// DecryptFunc takes the per-message nonce from the decoded security header
// (the encrypt side already knows it before encoding; the decrypt side only
// learns it by parsing the header first) alongside the ciphertext.
type (
	SignFunc    func(headerAndPayload []byte) ([]byte, error)
	VerifyFunc  func(headerAndPayload, signature []byte) error
	EncryptFunc func(plaintext []byte) ([]byte, error)
	DecryptFunc func(nonce [8]byte, ciphertext []byte) ([]byte, error)
)

// SecureEncoder is implemented by codecs that can apply PubSub message
// security while framing, since the encrypted payload boundary and
// signature length are wire-format-specific (§4.B).
type SecureEncoder interface {
	EncodeSecured(msg *NetworkMessage, signatureLength int, sign SignFunc, encrypt EncryptFunc) ([]byte, error)
}

// SecureDecoder is the receive-side counterpart of SecureEncoder.
type SecureDecoder interface {
	DecodeSecured(buf []byte, verify VerifyFunc, decrypt DecryptFunc) (*NetworkMessage, error)
}
