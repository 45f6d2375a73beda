// Package uadp implements the binary UADP NetworkMessage codec from §4.B
// and §6: little-endian, compact bitfields in flags, symmetric round-trip.
package uadp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"

	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec"
)

// NetworkMessage header flag bits (byte 0).
const (
	flagVersionMask      = 0x0F
	flagPublisherIDSet    = 1 << 4
	flagGroupHeaderSet    = 1 << 5
	flagPayloadHeaderSet  = 1 << 6
	flagExtendedFlags1Set = 1 << 7

	uadpVersion = 1
)

// Extended flags 1 (byte present iff flagExtendedFlags1Set).
const (
	ext1PublisherIDTypeMask = 0x07
	ext1DataSetClassIDSet   = 1 << 3
	ext1SecurityEnabled     = 1 << 4
	ext1TimestampSet        = 1 << 5
	ext1PicoSecondsSet      = 1 << 6
	ext1ExtendedFlags2Set   = 1 << 7
)

const nullStringLength = 0xFFFFFFFF

// Codec implements codec.Encoder and codec.Decoder for the UADP wire format.
type Codec struct{}

func New() *Codec { return &Codec{} }

func (c Codec) Encode(msg *codec.NetworkMessage) ([]byte, error) {
	header, err := c.encodeHeader(msg)
	if err != nil {
		return nil, err
	}
	payload, err := c.encodePayload(msg)
	if err != nil {
		return nil, err
	}
	return append(header, payload...), nil
}

// EncodeSecured frames msg the same way Encode does, but signs header+
// (optionally encrypted) payload and appends the signature, per §4.B's
// "signature covers header+payload, encryption covers payload only".
// signatureLength is written into the security header before signing since
// the signature's own length is a policy-fixed constant, not derived from
// signing the message itself.
func (c Codec) EncodeSecured(msg *codec.NetworkMessage, signatureLength int, sign codec.SignFunc, encrypt codec.EncryptFunc) ([]byte, error) {
	msg.Security.SignatureLength = uint16(signatureLength)

	header, err := c.encodeHeader(msg)
	if err != nil {
		return nil, err
	}
	payload, err := c.encodePayload(msg)
	if err != nil {
		return nil, err
	}
	if encrypt != nil {
		payload, err = encrypt(payload)
		if err != nil {
			return nil, pserrors.ErrEncodingError("payload encryption failed", err)
		}
	}

	headerAndPayload := append(append([]byte{}, header...), payload...)
	signature, err := sign(headerAndPayload)
	if err != nil {
		return nil, pserrors.ErrEncodingError("signing failed", err)
	}
	return append(headerAndPayload, signature...), nil
}

func (Codec) encodeHeader(msg *codec.NetworkMessage) ([]byte, error) {
	var buf bytes.Buffer

	ext1 := byte(0)
	if msg.PublisherID.Kind != codec.PublisherIDByte || hasPublisherID(msg) {
		ext1 |= publisherIDTypeBits(msg.PublisherID.Kind)
	}
	if msg.HasSecurityHeader {
		ext1 |= ext1SecurityEnabled
	}
	if msg.HasTimestamp {
		ext1 |= ext1TimestampSet
	}
	if msg.HasPicoseconds {
		ext1 |= ext1PicoSecondsSet
	}

	flags := byte(uadpVersion) & flagVersionMask
	if hasPublisherID(msg) {
		flags |= flagPublisherIDSet
	}
	if msg.GroupHeader.Present {
		flags |= flagGroupHeaderSet
	}
	if msg.PayloadHeader.Present {
		flags |= flagPayloadHeaderSet
	}
	if ext1 != 0 {
		flags |= flagExtendedFlags1Set
	}
	buf.WriteByte(flags)
	if ext1 != 0 {
		buf.WriteByte(ext1)
	}

	if hasPublisherID(msg) {
		if err := encodePublisherID(&buf, msg.PublisherID); err != nil {
			return nil, err
		}
	}

	if msg.GroupHeader.Present {
		encodeGroupHeader(&buf, msg.GroupHeader)
	}

	if msg.PayloadHeader.Present {
		writeU16(&buf, uint16(len(msg.PayloadHeader.DataSetWriterIDs)))
		for _, id := range msg.PayloadHeader.DataSetWriterIDs {
			writeU16(&buf, id)
		}
	}

	if msg.HasTimestamp {
		writeU64(&buf, uint64(msg.Timestamp.UnixNano()))
	}
	if msg.HasPicoseconds {
		writeU16(&buf, msg.Picoseconds)
	}

	if msg.HasSecurityHeader {
		if err := encodeSecurityHeader(&buf, msg.Security); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func (Codec) encodePayload(msg *codec.NetworkMessage) ([]byte, error) {
	var buf bytes.Buffer
	for i := range msg.Payload {
		if err := encodeDataSetMessage(&buf, &msg.Payload[i]); err != nil {
			return nil, pserrors.ErrEncodingError(fmt.Sprintf("dataset message %d", i), err)
		}
	}
	return buf.Bytes(), nil
}

func hasPublisherID(msg *codec.NetworkMessage) bool {
	switch msg.PublisherID.Kind {
	case codec.PublisherIDByte:
		return msg.PublisherID.Byte != 0
	case codec.PublisherIDString:
		return msg.PublisherID.Str != ""
	default:
		return true
	}
}

func publisherIDTypeBits(kind codec.PublisherIDKind) byte {
	switch kind {
	case codec.PublisherIDByte:
		return 0x00
	case codec.PublisherIDUInt16:
		return 0x01
	case codec.PublisherIDUInt32:
		return 0x02
	case codec.PublisherIDUInt64:
		return 0x03
	case codec.PublisherIDString:
		return 0x04
	default:
		return 0x00
	}
}

func encodePublisherID(buf *bytes.Buffer, id codec.PublisherID) error {
	switch id.Kind {
	case codec.PublisherIDByte:
		buf.WriteByte(id.Byte)
	case codec.PublisherIDUInt16:
		writeU16(buf, id.UInt16)
	case codec.PublisherIDUInt32:
		writeU32(buf, id.UInt32)
	case codec.PublisherIDUInt64:
		writeU64(buf, id.UInt64)
	case codec.PublisherIDString:
		writeString(buf, id.Str)
	default:
		return pserrors.ErrEncodingError("unknown publisher id kind", nil)
	}
	return nil
}

func encodeGroupHeader(buf *bytes.Buffer, gh codec.GroupHeader) {
	writeU16(buf, gh.WriterGroupID)
	writeU32(buf, gh.GroupVersion)
	writeU16(buf, gh.NetworkMessageNumber)
	writeU16(buf, gh.SequenceNumber)
}

func decodeGroupHeader(r *bytes.Reader) (codec.GroupHeader, error) {
	var gh codec.GroupHeader
	gh.Present = true
	var err error
	if gh.WriterGroupID, err = readU16(r); err != nil {
		return gh, err
	}
	if gh.GroupVersion, err = readU32(r); err != nil {
		return gh, err
	}
	if gh.NetworkMessageNumber, err = readU16(r); err != nil {
		return gh, err
	}
	if gh.SequenceNumber, err = readU16(r); err != nil {
		return gh, err
	}
	return gh, nil
}

func encodeSecurityHeader(buf *bytes.Buffer, sh codec.SecurityHeader) error {
	flags := byte(0)
	if sh.NetworkMessageSigned {
		flags |= 0x01
	}
	if sh.NetworkMessageEncrypted {
		flags |= 0x02
	}
	buf.WriteByte(flags)
	writeU32(buf, sh.TokenID)
	buf.Write(sh.MessageNonce[:])
	writeU16(buf, sh.SignatureLength)
	return nil
}

func decodeSecurityHeader(r *bytes.Reader) (codec.SecurityHeader, error) {
	var sh codec.SecurityHeader
	flagByte, err := r.ReadByte()
	if err != nil {
		return sh, err
	}
	sh.NetworkMessageSigned = flagByte&0x01 != 0
	sh.NetworkMessageEncrypted = flagByte&0x02 != 0
	if sh.TokenID, err = readU32(r); err != nil {
		return sh, err
	}
	if _, err = r.Read(sh.MessageNonce[:]); err != nil {
		return sh, err
	}
	if sh.SignatureLength, err = readU16(r); err != nil {
		return sh, err
	}
	return sh, nil
}

// DataSetMessage flags: bits 0-3 message type; bits 4-6 mark the optional
// sequence number, timestamp and status headers. No field-encoding bits are
// carried; each field value has its own type tag byte instead.
const (
	dsmTypeKeyFrame   = 0x0
	dsmTypeDeltaFrame = 0x1
	dsmTypeKeepAlive  = 0x2

	dsmFlagSequenceNumber = 1 << 4
	dsmFlagTimestamp      = 1 << 5
	dsmFlagStatus         = 1 << 6
)

func encodeDataSetMessage(buf *bytes.Buffer, dsm *codec.DataSetMessage) error {
	flags := byte(0)
	switch dsm.Type {
	case codec.DataSetMessageKeyFrame:
		flags |= dsmTypeKeyFrame
	case codec.DataSetMessageDeltaFrame:
		flags |= dsmTypeDeltaFrame
	case codec.DataSetMessageKeepAlive:
		flags |= dsmTypeKeepAlive
	}
	if dsm.HasSequenceNumber {
		flags |= dsmFlagSequenceNumber
	}
	if dsm.HasTimestamp {
		flags |= dsmFlagTimestamp
	}
	if dsm.HasStatus {
		flags |= dsmFlagStatus
	}
	buf.WriteByte(flags)

	if dsm.HasSequenceNumber {
		writeU16(buf, dsm.SequenceNumber)
	}
	if dsm.HasTimestamp {
		writeU64(buf, uint64(dsm.Timestamp.UnixNano()))
	}
	if dsm.HasStatus {
		writeU32(buf, dsm.Status)
	}

	switch dsm.Type {
	case codec.DataSetMessageKeyFrame:
		writeU16(buf, uint16(len(dsm.KeyFrameFields)))
		for i := range dsm.KeyFrameFields {
			if err := encodeFieldValue(buf, &dsm.KeyFrameFields[i]); err != nil {
				return err
			}
		}
	case codec.DataSetMessageDeltaFrame:
		writeU16(buf, uint16(len(dsm.DeltaFields)))
		for i := range dsm.DeltaFields {
			writeU16(buf, dsm.DeltaFields[i].FieldIndex)
			if err := encodeFieldValue(buf, &dsm.DeltaFields[i].Value); err != nil {
				return err
			}
		}
	case codec.DataSetMessageKeepAlive:
		// no fields
	}
	return nil
}

func decodeDataSetMessage(r *bytes.Reader) (codec.DataSetMessage, error) {
	var dsm codec.DataSetMessage
	flags, err := r.ReadByte()
	if err != nil {
		return dsm, err
	}
	switch flags & 0x0F {
	case dsmTypeKeyFrame:
		dsm.Type = codec.DataSetMessageKeyFrame
	case dsmTypeDeltaFrame:
		dsm.Type = codec.DataSetMessageDeltaFrame
	case dsmTypeKeepAlive:
		dsm.Type = codec.DataSetMessageKeepAlive
	default:
		return dsm, pserrors.ErrDecodingError("unknown dataset message type", nil)
	}

	dsm.HasSequenceNumber = flags&dsmFlagSequenceNumber != 0
	dsm.HasTimestamp = flags&dsmFlagTimestamp != 0
	dsm.HasStatus = flags&dsmFlagStatus != 0

	if dsm.HasSequenceNumber {
		if dsm.SequenceNumber, err = readU16(r); err != nil {
			return dsm, err
		}
	}
	if dsm.HasTimestamp {
		ns, err := readU64(r)
		if err != nil {
			return dsm, err
		}
		dsm.Timestamp = time.Unix(0, int64(ns)).UTC()
	}
	if dsm.HasStatus {
		if dsm.Status, err = readU32(r); err != nil {
			return dsm, err
		}
	}

	switch dsm.Type {
	case codec.DataSetMessageKeyFrame:
		count, err := readU16(r)
		if err != nil {
			return dsm, err
		}
		dsm.KeyFrameFields = make([]codec.FieldValue, count)
		for i := range dsm.KeyFrameFields {
			fv, err := decodeFieldValue(r)
			if err != nil {
				return dsm, err
			}
			dsm.KeyFrameFields[i] = fv
		}
	case codec.DataSetMessageDeltaFrame:
		count, err := readU16(r)
		if err != nil {
			return dsm, err
		}
		dsm.DeltaFields = make([]codec.DeltaField, count)
		for i := range dsm.DeltaFields {
			idx, err := readU16(r)
			if err != nil {
				return dsm, err
			}
			fv, err := decodeFieldValue(r)
			if err != nil {
				return dsm, err
			}
			dsm.DeltaFields[i] = codec.DeltaField{FieldIndex: idx, Value: fv}
		}
	}
	return dsm, nil
}

// Field value type tags — a superset of the scalar types §7's fixture
// scenarios exercise (Int32, etc.); not the full OPC-UA builtin type table,
// which is explicitly out of scope per spec.md §1.
const (
	typeBool = iota
	typeInt16
	typeUInt16
	typeInt32
	typeUInt32
	typeInt64
	typeUInt64
	typeFloat
	typeDouble
	typeString
	typeBytes
)

func encodeFieldValue(buf *bytes.Buffer, fv *codec.FieldValue) error {
	flags := byte(0)
	if fv.HasSourceTimestamp {
		flags |= 0x80
	}
	if fv.Status != 0 {
		flags |= 0x40
	}

	switch v := fv.Value.(type) {
	case bool:
		buf.WriteByte(typeBool | flags)
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int16:
		buf.WriteByte(typeInt16 | flags)
		writeU16(buf, uint16(v))
	case uint16:
		buf.WriteByte(typeUInt16 | flags)
		writeU16(buf, v)
	case int32:
		buf.WriteByte(typeInt32 | flags)
		writeU32(buf, uint32(v))
	case uint32:
		buf.WriteByte(typeUInt32 | flags)
		writeU32(buf, v)
	case int64:
		buf.WriteByte(typeInt64 | flags)
		writeU64(buf, uint64(v))
	case uint64:
		buf.WriteByte(typeUInt64 | flags)
		writeU64(buf, v)
	case float32:
		buf.WriteByte(typeFloat | flags)
		writeU32(buf, floatBits32(v))
	case float64:
		buf.WriteByte(typeDouble | flags)
		writeU64(buf, floatBits64(v))
	case string:
		buf.WriteByte(typeString | flags)
		writeString(buf, v)
	case []byte:
		buf.WriteByte(typeBytes | flags)
		writeBytes(buf, v)
	default:
		return pserrors.ErrEncodingError(fmt.Sprintf("unsupported field value type %T", fv.Value), nil)
	}

	if fv.Status != 0 {
		writeU32(buf, fv.Status)
	}
	if fv.HasSourceTimestamp {
		writeU64(buf, uint64(fv.SourceTimestamp.UnixNano()))
	}
	return nil
}

func decodeFieldValue(r *bytes.Reader) (codec.FieldValue, error) {
	var fv codec.FieldValue
	tagByte, err := r.ReadByte()
	if err != nil {
		return fv, err
	}
	hasTimestamp := tagByte&0x80 != 0
	hasStatus := tagByte&0x40 != 0
	tag := tagByte & 0x3F

	var value any
	switch tag {
	case typeBool:
		b, err := r.ReadByte()
		if err != nil {
			return fv, err
		}
		value = b != 0
	case typeInt16:
		v, err := readU16(r)
		if err != nil {
			return fv, err
		}
		value = int16(v)
	case typeUInt16:
		v, err := readU16(r)
		if err != nil {
			return fv, err
		}
		value = v
	case typeInt32:
		v, err := readU32(r)
		if err != nil {
			return fv, err
		}
		value = int32(v)
	case typeUInt32:
		v, err := readU32(r)
		if err != nil {
			return fv, err
		}
		value = v
	case typeInt64:
		v, err := readU64(r)
		if err != nil {
			return fv, err
		}
		value = int64(v)
	case typeUInt64:
		v, err := readU64(r)
		if err != nil {
			return fv, err
		}
		value = v
	case typeFloat:
		v, err := readU32(r)
		if err != nil {
			return fv, err
		}
		value = floatFromBits32(v)
	case typeDouble:
		v, err := readU64(r)
		if err != nil {
			return fv, err
		}
		value = floatFromBits64(v)
	case typeString:
		s, err := readString(r)
		if err != nil {
			return fv, err
		}
		value = s
	case typeBytes:
		b, err := readBytes(r)
		if err != nil {
			return fv, err
		}
		value = b
	default:
		return fv, pserrors.ErrDecodingError(fmt.Sprintf("unknown field value type tag %d", tag), nil)
	}
	fv.Value = value

	if hasStatus {
		status, err := readU32(r)
		if err != nil {
			return fv, err
		}
		fv.Status = status
	}
	if hasTimestamp {
		ns, err := readU64(r)
		if err != nil {
			return fv, err
		}
		fv.SourceTimestamp = time.Unix(0, int64(ns)).UTC()
		fv.HasSourceTimestamp = true
	}
	return fv, nil
}

func (c Codec) Decode(buf []byte) (*codec.NetworkMessage, error) {
	r := bytes.NewReader(buf)
	msg, err := c.decodeHeader(r)
	if err != nil {
		return nil, err
	}

	for r.Len() > 0 {
		dsm, err := decodeDataSetMessage(r)
		if err != nil {
			return nil, pserrors.ErrDecodingError("dataset message", err)
		}
		msg.Payload = append(msg.Payload, dsm)
	}

	return msg, nil
}

// DecodeSecured decodes a message framed by EncodeSecured: the header is
// read normally, then the remaining bytes are split into ciphertext
// payload and trailing signature using the security header's
// SignatureLength, verified, decrypted, and finally parsed as
// DataSetMessages.
func (c Codec) DecodeSecured(buf []byte, verify codec.VerifyFunc, decrypt codec.DecryptFunc) (*codec.NetworkMessage, error) {
	r := bytes.NewReader(buf)
	msg, err := c.decodeHeader(r)
	if err != nil {
		return nil, err
	}
	if !msg.HasSecurityHeader {
		return nil, pserrors.ErrDecodingError("DecodeSecured called on a message without a security header", nil)
	}

	headerLen := len(buf) - r.Len()
	sigLen := int(msg.Security.SignatureLength)
	rest := buf[headerLen:]
	if len(rest) < sigLen {
		return nil, pserrors.ErrDecodingError("truncated signature", nil)
	}
	payload := rest[:len(rest)-sigLen]
	signature := rest[len(rest)-sigLen:]

	if verify != nil {
		if err := verify(buf[:headerLen+len(payload)], signature); err != nil {
			return nil, err
		}
	}

	if decrypt != nil {
		payload, err = decrypt(msg.Security.MessageNonce, payload)
		if err != nil {
			return nil, pserrors.ErrDecodingError("payload decryption failed", err)
		}
	}

	pr := bytes.NewReader(payload)
	for pr.Len() > 0 {
		dsm, err := decodeDataSetMessage(pr)
		if err != nil {
			return nil, pserrors.ErrDecodingError("dataset message", err)
		}
		msg.Payload = append(msg.Payload, dsm)
	}
	return msg, nil
}

func (Codec) decodeHeader(r *bytes.Reader) (*codec.NetworkMessage, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return nil, pserrors.ErrDecodingError("empty network message", err)
	}

	var ext1 byte
	if flags&flagExtendedFlags1Set != 0 {
		ext1, err = r.ReadByte()
		if err != nil {
			return nil, pserrors.ErrDecodingError("truncated extended flags", err)
		}
	}

	msg := &codec.NetworkMessage{}

	if flags&flagPublisherIDSet != 0 {
		msg.PublisherID, err = decodePublisherID(r, ext1&ext1PublisherIDTypeMask)
		if err != nil {
			return nil, pserrors.ErrDecodingError("publisher id", err)
		}
	}

	if flags&flagGroupHeaderSet != 0 {
		msg.GroupHeader, err = decodeGroupHeader(r)
		if err != nil {
			return nil, pserrors.ErrDecodingError("group header", err)
		}
	}

	if flags&flagPayloadHeaderSet != 0 {
		count, err := readU16(r)
		if err != nil {
			return nil, pserrors.ErrDecodingError("payload header count", err)
		}
		msg.PayloadHeader.Present = true
		msg.PayloadHeader.DataSetWriterIDs = make([]uint16, count)
		for i := range msg.PayloadHeader.DataSetWriterIDs {
			if msg.PayloadHeader.DataSetWriterIDs[i], err = readU16(r); err != nil {
				return nil, pserrors.ErrDecodingError("payload header writer id", err)
			}
		}
	}

	if ext1&ext1TimestampSet != 0 {
		ns, err := readU64(r)
		if err != nil {
			return nil, pserrors.ErrDecodingError("timestamp", err)
		}
		msg.HasTimestamp = true
		msg.Timestamp = time.Unix(0, int64(ns)).UTC()
	}

	if ext1&ext1PicoSecondsSet != 0 {
		msg.HasPicoseconds = true
		if msg.Picoseconds, err = readU16(r); err != nil {
			return nil, pserrors.ErrDecodingError("picoseconds", err)
		}
	}

	if ext1&ext1SecurityEnabled != 0 {
		msg.HasSecurityHeader = true
		msg.Security, err = decodeSecurityHeader(r)
		if err != nil {
			return nil, pserrors.ErrDecodingError("security header", err)
		}
	}

	return msg, nil
}

func decodePublisherID(r *bytes.Reader, typeBits byte) (codec.PublisherID, error) {
	switch typeBits {
	case 0x00:
		b, err := r.ReadByte()
		return codec.PublisherID{Kind: codec.PublisherIDByte, Byte: b}, err
	case 0x01:
		v, err := readU16(r)
		return codec.PublisherID{Kind: codec.PublisherIDUInt16, UInt16: v}, err
	case 0x02:
		v, err := readU32(r)
		return codec.PublisherID{Kind: codec.PublisherIDUInt32, UInt32: v}, err
	case 0x03:
		v, err := readU64(r)
		return codec.PublisherID{Kind: codec.PublisherIDUInt64, UInt64: v}, err
	case 0x04:
		s, err := readString(r)
		return codec.PublisherID{Kind: codec.PublisherIDString, Str: s}, err
	default:
		return codec.PublisherID{}, pserrors.ErrDecodingError("unknown publisher id type bits", nil)
	}
}

// --- little-endian primitive helpers ---

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	if s == "" {
		writeU32(buf, nullStringLength)
		return
	}
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	if b == nil {
		writeU32(buf, nullStringLength)
		return
	}
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

// readU16/readU32/readU64/readString/readBytes all use io.ReadFull rather
// than r.Read: bytes.Reader.Read can return fewer bytes than requested
// without error at EOF, which would otherwise decode a truncated buffer's
// tail as zero-padding instead of raising a decoding error.

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, pserrors.ErrDecodingError("truncated uint16", err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, pserrors.ErrDecodingError("truncated uint32", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, pserrors.ErrDecodingError("truncated uint64", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n == nullStringLength {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", pserrors.ErrDecodingError("truncated string", err)
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == nullStringLength {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, pserrors.ErrDecodingError("truncated byte string", err)
	}
	return b, nil
}
