package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/open62541-go/pubsub-core/pkg/logger"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/transport"
)

// TargetVariable maps one field index of a DataSetReader's expected dataset
// onto a target NodeId+attribute to write into, per §3.
type TargetVariable struct {
	TargetNodeID string
	AttributeID  uint32
}

// DataSetReader mirrors DataSetWriter on the receive side (§3): it matches
// incoming DataSetMessages by (publisherId, writerGroupId, dataSetWriterId)
// and writes decoded field values into its target-variable mappings.
type DataSetReader struct {
	ID              uint16
	ExpectedWriterID uint16
	TargetVariables []TargetVariable
	Sink            ValueSink
}

// write applies a decoded DataSetMessage's fields to the reader's target
// mappings, in the order the reader defines (§4.D subscribing algorithm
// step 3). DeltaFrame field indices not present in the message are left
// untouched at their last-written value.
func (r *DataSetReader) write(dsm codec.DataSetMessage) {
	switch dsm.Type {
	case codec.DataSetMessageKeyFrame:
		for i, v := range dsm.KeyFrameFields {
			if i >= len(r.TargetVariables) {
				break
			}
			r.writeField(r.TargetVariables[i], v)
		}
	case codec.DataSetMessageDeltaFrame:
		for _, df := range dsm.DeltaFields {
			if int(df.FieldIndex) >= len(r.TargetVariables) {
				continue
			}
			r.writeField(r.TargetVariables[df.FieldIndex], df.Value)
		}
	case codec.DataSetMessageKeepAlive:
		// no fields to apply
	}
}

func (r *DataSetReader) writeField(tv TargetVariable, v codec.FieldValue) {
	if r.Sink == nil {
		return
	}
	if err := r.Sink.Write(tv.TargetNodeID, tv.AttributeID, v); err != nil {
		logger.L().Warn("dataset reader: write into target variable failed", "reader_id", r.ID, "target_node_id", tv.TargetNodeID, "error", err)
	}
}

// ReaderGroup is the subscribe-side mirror of WriterGroup (§3).
type ReaderGroup struct {
	mu sync.Mutex

	ID                  uint16
	ExpectedPublisherID codec.PublisherID
	SecurityMode        SecurityMode
	SecurityGroupID     string
	Decoding            codec.Encoding
	RegisterSettings    transport.RegisterSettings

	Readers []*DataSetReader

	state       State
	conn        *Connection
	decoder     codec.Decoder
	policy      security.Policy
	keyMat      security.KeyMaterial
	tokenID     uint32
	errorCount  int
	nextRetryAt time.Time
}

// NewReaderGroup creates a ReaderGroup in state Disabled, owned by conn.
func NewReaderGroup(id uint16, decoding codec.Encoding, conn *Connection) *ReaderGroup {
	rg := &ReaderGroup{ID: id, Decoding: decoding, conn: conn, state: StateDisabled}
	if conn != nil {
		conn.AddReaderGroup(rg)
	}
	return rg
}

func (r *ReaderGroup) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *ReaderGroup) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Disable moves the reader group to Disabled, mirroring WriterGroup's
// setState so Connection.Disable does not reach into the unexported state
// field directly.
func (r *ReaderGroup) Disable() {
	r.setState(StateDisabled)
}

// ActivateKeys implements keystorage.ActivationTarget for the subscribe
// side, mirroring WriterGroup.ActivateKeys.
func (r *ReaderGroup) ActivateKeys(securityGroupID string, tokenID uint32, km security.KeyMaterial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if securityGroupID != r.SecurityGroupID {
		return nil
	}
	r.keyMat = km
	r.tokenID = tokenID
	return nil
}

// SetDecoder installs the concrete decoder (uadp.Codec{} or json.New(mode))
// for this group's configured Decoding.
func (r *ReaderGroup) SetDecoder(dec codec.Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoder = dec
}

func (r *ReaderGroup) enable(policy security.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SecurityMode != SecurityModeNone {
		if r.SecurityGroupID == "" {
			r.errorLocked(r.retryCapLocked())
			return pserrors.ErrInvalidArgument("reader group with security mode requires a security group id", nil)
		}
		r.policy = policy
		if r.keyMat.EncryptingKey == nil {
			r.errorLocked(r.retryCapLocked())
			return pserrors.ErrSecurityModeInsufficient("reader group security group has no active key yet")
		}
	}
	r.state = StateOperational
	r.errorCount = 0
	return nil
}

// retryCap returns the exponential back-off ceiling for this group, the
// SecurityGroupID's KeyLifetime (or the manager default when unsecured).
func (r *ReaderGroup) retryCap() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCapLocked()
}

func (r *ReaderGroup) retryCapLocked() time.Duration {
	if r.conn == nil || r.conn.manager == nil {
		return retryDefaultCap
	}
	return r.conn.manager.keyLifetimeFor(r.SecurityGroupID)
}

// errorLocked moves the group to Error and schedules the next retry,
// assuming r.mu is already held.
func (r *ReaderGroup) errorLocked(backoffCap time.Duration) {
	r.state = StateError
	r.errorCount++
	r.nextRetryAt = time.Now().Add(retryBackoff(r.errorCount, backoffCap))
}

// enterError is errorLocked's locking wrapper for call-sites outside a
// section that already holds r.mu.
func (r *ReaderGroup) enterError(backoffCap time.Duration) {
	r.mu.Lock()
	r.errorLocked(backoffCap)
	r.mu.Unlock()
}

// recover attempts to bring an Error-state group back to Operational,
// mirroring WriterGroup.recover: reopen the connection's channel if it no
// longer has one, then re-run enable.
func (r *ReaderGroup) recover(ctx context.Context, policy security.Policy) error {
	if r.conn.sendChannel() == nil {
		if err := r.conn.reopen(ctx); err != nil {
			r.enterError(r.retryCap())
			return err
		}
	}
	return r.enable(policy)
}

// receiveOnce runs the subscribing algorithm from §4.D: receive one buffer,
// decode, match readers, write target variables. On Error, it instead checks
// whether the back-off deadline has elapsed and attempts recovery, per
// §4.D's retry rule mirrored from WriterGroup.tick.
func (r *ReaderGroup) receiveOnce(ctx context.Context, timeout time.Duration) {
	r.mu.Lock()
	state := r.state
	nextRetryAt := r.nextRetryAt
	policy := r.policy
	r.mu.Unlock()

	if state == StateError {
		if time.Now().Before(nextRetryAt) {
			return
		}
		if err := r.recover(ctx, policy); err != nil {
			logger.L().Warn("reader group: recovery attempt failed", "reader_group_id", r.ID, "error", err)
			return
		}
	} else if state != StateOperational {
		return
	}

	ch := r.conn.sendChannel()
	if ch == nil {
		r.enterError(r.retryCap())
		return
	}

	buf, err := ch.Receive(ctx, timeout)
	if err != nil {
		if err == transport.ErrTimeout {
			return
		}
		logger.L().Warn("reader group: receive failed", "reader_group_id", r.ID, "error", err)
		r.enterError(r.retryCap())
		return
	}
	r.mu.Lock()
	r.errorCount = 0
	r.mu.Unlock()

	msg, err := r.decode(buf)
	if err != nil {
		logger.L().Warn("reader group: decode failed, dropping message", "reader_group_id", r.ID, "error", err)
		return
	}

	if msg.GroupHeader.Present && msg.GroupHeader.WriterGroupID != r.ID {
		return
	}
	if !publisherIDMatches(r.ExpectedPublisherID, msg.PublisherID) {
		return
	}

	r.mu.Lock()
	readers := r.Readers
	r.mu.Unlock()

	writerIDs := msg.PayloadHeader.DataSetWriterIDs
	for i, dsm := range msg.Payload {
		var writerID uint16
		if i < len(writerIDs) {
			writerID = writerIDs[i]
		}
		for _, reader := range readers {
			if reader.ExpectedWriterID == writerID {
				reader.write(dsm)
			}
		}
	}
}

func (r *ReaderGroup) decode(buf []byte) (*codec.NetworkMessage, error) {
	r.mu.Lock()
	mode := r.SecurityMode
	dec := r.decoder
	policy := r.policy
	km := r.keyMat
	r.mu.Unlock()

	if mode == SecurityModeNone {
		return dec.Decode(buf)
	}

	secDec, ok := dec.(codec.SecureDecoder)
	if !ok {
		return nil, pserrors.ErrNotImplemented("reader group: configured codec does not support message security")
	}

	verify := func(headerAndPayload, signature []byte) error {
		return policy.Verify(km, headerAndPayload, signature)
	}
	var decrypt codec.DecryptFunc
	if mode == SecurityModeSignAndEncrypt {
		decrypt = func(nonce [8]byte, ciphertext []byte) ([]byte, error) {
			return policy.Decrypt(km, nonce, ciphertext)
		}
	}
	return secDec.DecodeSecured(buf, verify, decrypt)
}

func publisherIDMatches(expected, actual codec.PublisherID) bool {
	if expected.Kind != actual.Kind {
		return true // no expectation configured for a mismatched kind is treated as "don't filter"
	}
	switch expected.Kind {
	case codec.PublisherIDByte:
		return expected.Byte == 0 || expected.Byte == actual.Byte
	case codec.PublisherIDUInt16:
		return expected.UInt16 == 0 || expected.UInt16 == actual.UInt16
	case codec.PublisherIDUInt32:
		return expected.UInt32 == 0 || expected.UInt32 == actual.UInt32
	case codec.PublisherIDUInt64:
		return expected.UInt64 == 0 || expected.UInt64 == actual.UInt64
	case codec.PublisherIDString:
		return expected.Str == "" || expected.Str == actual.Str
	default:
		return true
	}
}
