package pubsub

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/open62541-go/pubsub-core/pkg/logger"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/transport"
)

// WriterGroup owns a publish cadence and an ordered list of DataSetWriters
// (§3). Invariant: SecurityMode != None implies SecurityGroupID is set, a
// KeyStorage with that id exists, and its current key is installed here
// before the group can reach Operational.
type WriterGroup struct {
	mu sync.Mutex

	ID                 uint16
	PublishingInterval time.Duration
	SecurityMode       SecurityMode
	SecurityGroupID    string
	Encoding           codec.Encoding
	RegisterSettings   transport.RegisterSettings

	Writers []*DataSetWriter

	state     State
	conn      *Connection
	encoder   codec.Encoder
	policy    security.Policy
	keyMat    security.KeyMaterial
	tokenID   uint32
	nonceSeed [4]byte
	nonceCtr  uint64

	groupVersion         uint32
	networkMessageNumber uint16
	sequenceNumber       uint16
	errorCount           int
	nextRetryAt          time.Time
}

const (
	retryInitialBackoff = 100 * time.Millisecond
	retryDefaultCap     = 30 * time.Second
)

// retryBackoff computes the exponential back-off for the errorCount'th retry
// attempt (1-indexed), capped at backoffCap, per §4.D's "retry is attempted
// on the next tick with exponential back-off capped at keyLifetimeMs".
func retryBackoff(errorCount int, backoffCap time.Duration) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	d := retryInitialBackoff
	for i := 1; i < errorCount; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// NewWriterGroup creates a WriterGroup in state Disabled, owned by conn.
func NewWriterGroup(id uint16, interval time.Duration, encoding codec.Encoding, conn *Connection) *WriterGroup {
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	wg := &WriterGroup{
		ID:                  id,
		PublishingInterval:  interval,
		Encoding:            encoding,
		conn:                conn,
		state:               StateDisabled,
		nonceSeed:           seed,
		groupVersion:        uint32(time.Now().UnixNano()),
	}
	if conn != nil {
		conn.AddWriterGroup(wg)
	}
	return wg
}

func (g *WriterGroup) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ActivateKeys installs freshly split key material, implementing the
// keystorage.ActivationTarget contract so KeyStorage.ActivateIntoChannel
// can push keys into this group without importing pkg/pubsub.
func (g *WriterGroup) ActivateKeys(securityGroupID string, tokenID uint32, km security.KeyMaterial) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if securityGroupID != g.SecurityGroupID {
		return nil
	}
	g.keyMat = km
	g.tokenID = tokenID
	return nil
}

// enable transitions Disabled -> PreOperational -> Operational per §4.D,
// gated on security activation and channel availability.
func (g *WriterGroup) enable(ctx context.Context, policy security.Policy) error {
	g.mu.Lock()
	if g.SecurityMode != SecurityModeNone {
		if g.SecurityGroupID == "" {
			g.errorLocked(g.retryCapLocked())
			g.mu.Unlock()
			return pserrors.ErrInvalidArgument("writer group with security mode requires a security group id", nil)
		}
		g.policy = policy
		if g.keyMat.EncryptingKey == nil {
			g.errorLocked(g.retryCapLocked())
			g.mu.Unlock()
			return pserrors.ErrSecurityModeInsufficient("writer group security group has no active key yet")
		}
	}
	g.state = StatePreOperational
	g.mu.Unlock()

	ch := g.conn.sendChannel()
	if ch == nil {
		g.enterError(g.retryCap())
		return pserrors.ErrConnectionClosed("writer group has no send channel")
	}

	g.mu.Lock()
	g.state = StateOperational
	g.errorCount = 0
	g.mu.Unlock()
	return nil
}

func (g *WriterGroup) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// retryCap returns the exponential back-off ceiling for this group, the
// SecurityGroupID's KeyLifetime (or the manager default when unsecured).
func (g *WriterGroup) retryCap() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retryCapLocked()
}

func (g *WriterGroup) retryCapLocked() time.Duration {
	if g.conn == nil || g.conn.manager == nil {
		return retryDefaultCap
	}
	return g.conn.manager.keyLifetimeFor(g.SecurityGroupID)
}

// errorLocked moves the group to Error and schedules the next retry,
// assuming g.mu is already held.
func (g *WriterGroup) errorLocked(backoffCap time.Duration) {
	g.state = StateError
	g.errorCount++
	g.nextRetryAt = time.Now().Add(retryBackoff(g.errorCount, backoffCap))
}

// enterError is errorLocked's locking wrapper for call-sites outside a
// section that already holds g.mu.
func (g *WriterGroup) enterError(backoffCap time.Duration) {
	g.mu.Lock()
	g.errorLocked(backoffCap)
	g.mu.Unlock()
}

// recover attempts to bring an Error-state group back to Operational: reopen
// the connection's channel if it no longer has one, then re-run enable. It
// is called from tick once nextRetryAt has elapsed, per §4.D's "retry is
// attempted on the next tick" rule.
func (g *WriterGroup) recover(ctx context.Context, policy security.Policy) error {
	if g.conn.sendChannel() == nil {
		if err := g.conn.reopen(ctx); err != nil {
			g.enterError(g.retryCap())
			return err
		}
	}
	if err := g.enable(ctx, policy); err != nil {
		return err
	}
	return nil
}

// tick runs the publishing algorithm from §4.D: sample, frame, secure, send.
// When the group is in Error, tick instead checks whether the back-off
// deadline has elapsed and, if so, attempts recovery before falling through
// to a normal publish attempt.
func (g *WriterGroup) tick(ctx context.Context) {
	g.mu.Lock()
	state := g.state
	nextRetryAt := g.nextRetryAt
	policy := g.policy
	g.mu.Unlock()

	if state == StateError {
		if time.Now().Before(nextRetryAt) {
			return
		}
		if err := g.recover(ctx, policy); err != nil {
			logger.L().Warn("writer group: recovery attempt failed", "writer_group_id", g.ID, "error", err)
			return
		}
	} else if state != StateOperational {
		return
	}

	g.mu.Lock()
	writers := g.Writers
	g.mu.Unlock()
	ch := g.conn.sendChannel()

	if ch == nil {
		g.enterError(g.retryCap())
		return
	}

	payload := make([]codec.DataSetMessage, 0, len(writers))
	dswIDs := make([]uint16, 0, len(writers))
	for _, w := range writers {
		msg, err := w.buildMessage()
		if err != nil {
			logger.L().Warn("writer group: sampling failed, dropping tick", "writer_group_id", g.ID, "writer_id", w.ID, "error", err)
			continue
		}
		payload = append(payload, msg)
		dswIDs = append(dswIDs, w.ID)
	}
	if len(payload) == 0 {
		return
	}

	g.mu.Lock()
	g.sequenceNumber++
	g.networkMessageNumber++
	netMsg := &codec.NetworkMessage{
		PublisherID: g.conn.PublisherID,
		GroupHeader: codec.GroupHeader{
			Present:              true,
			WriterGroupID:        g.ID,
			GroupVersion:         g.groupVersion,
			NetworkMessageNumber: g.networkMessageNumber,
			SequenceNumber:       g.sequenceNumber,
		},
		PayloadHeader: codec.PayloadHeader{Present: true, DataSetWriterIDs: dswIDs},
		Payload:       payload,
	}
	securityMode := g.SecurityMode
	enc := g.encoder
	g.mu.Unlock()

	if enc == nil {
		logger.L().Error("writer group: no codec registered, dropping tick", "writer_group_id", g.ID)
		return
	}

	var (
		buf []byte
		err error
	)
	if securityMode == SecurityModeNone {
		buf, err = enc.Encode(netMsg)
	} else {
		buf, err = g.encodeSecured(enc, netMsg)
	}
	if err != nil {
		logger.L().Error("writer group: encode failed, dropping tick", "writer_group_id", g.ID, "error", err)
		g.enterError(g.retryCap())
		return
	}

	if err := ch.Send(ctx, g.RegisterSettings, buf); err != nil {
		logger.L().Warn("writer group: send failed", "writer_group_id", g.ID, "error", err)
		g.enterError(g.retryCap())
		return
	}

	g.mu.Lock()
	g.errorCount = 0
	g.mu.Unlock()
}

// encodeSecured fills in the SecurityHeader (nonce = sender seed + a
// monotonically increasing counter, per §4.B) and frames the message
// through the codec's SecureEncoder, signing header+payload and, for
// SignAndEncrypt, encrypting the payload region.
func (g *WriterGroup) encodeSecured(enc codec.Encoder, msg *codec.NetworkMessage) ([]byte, error) {
	secEnc, ok := enc.(codec.SecureEncoder)
	if !ok {
		return nil, pserrors.ErrNotImplemented("writer group: configured codec does not support message security")
	}

	g.mu.Lock()
	g.nonceCtr++
	var nonce [8]byte
	copy(nonce[:4], g.nonceSeed[:])
	putUint32(nonce[4:], uint32(g.nonceCtr))
	policy := g.policy
	km := g.keyMat
	tokenID := g.tokenID
	mode := g.SecurityMode
	g.mu.Unlock()

	msg.HasSecurityHeader = true
	msg.Security = codec.SecurityHeader{
		NetworkMessageSigned:    true,
		NetworkMessageEncrypted: mode == SecurityModeSignAndEncrypt,
		TokenID:                 tokenID,
		MessageNonce:            nonce,
	}

	sign := func(headerAndPayload []byte) ([]byte, error) {
		return policy.Sign(km, headerAndPayload)
	}
	var encrypt codec.EncryptFunc
	if mode == SecurityModeSignAndEncrypt {
		encrypt = func(plaintext []byte) ([]byte, error) {
			return policy.Encrypt(km, nonce, plaintext)
		}
	}

	sigLen, err := signatureLengthFor(policy, km)
	if err != nil {
		return nil, err
	}
	return secEnc.EncodeSecured(msg, sigLen, sign, encrypt)
}

// signatureLengthFor determines the signature's fixed byte length by
// signing an empty buffer, since Policy does not expose a constant for it
// directly and the two CTR policies share the same HMAC-SHA256 output size.
func signatureLengthFor(policy security.Policy, km security.KeyMaterial) (int, error) {
	sig, err := policy.Sign(km, nil)
	if err != nil {
		return 0, pserrors.ErrInternalError(err)
	}
	return len(sig), nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// SetEncoder installs the concrete encoder implementation (uadp.Codec{} or
// json.New(mode)) for this group's configured Encoding, avoiding an import
// cycle between pkg/pubsub and pkg/pubsub/codec/{uadp,json}.
func (g *WriterGroup) SetEncoder(enc codec.Encoder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.encoder = enc
}
