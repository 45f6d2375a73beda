// Package security implements the two PubSub security policies from §6,
// splitting key material into signing/encrypting keys plus a nonce and
// providing sign/verify/encrypt/decrypt over a NetworkMessage buffer per
// §4.B's security framing. No pack dependency implements CTR+HMAC PubSub
// message framing, so this package is built directly on the standard
// library crypto primitives (see DESIGN.md).
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
)

// PolicyURI identifies a security policy by its OPC-UA URI (§6).
type PolicyURI string

const (
	PolicyAes128CTR PolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#PubSub-Aes128-CTR"
	PolicyAes256CTR PolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#PubSub-Aes256-CTR"
)

// KeyMaterial is the split of one KeyStorage key into its cryptographic
// parts, produced by Policy.SplitKey per §4.C's activateIntoChannel.
type KeyMaterial struct {
	SigningKey    []byte
	EncryptingKey []byte
	KeyNonce      []byte
}

// Policy abstracts the two PubSub security policies so KeyStorage and the
// WriterGroup/ReaderGroup publish/subscribe paths are written once against
// an interface, following the teacher's vtable-to-interface idiom (Design
// Notes: "function-pointer vtables inside structs").
type Policy interface {
	URI() PolicyURI

	// SigningKeyLength and EncryptingKeyLength are the policy-defined byte
	// counts getLocalKeyLength splits the raw key into (§4.C).
	SigningKeyLength() int
	EncryptingKeyLength() int

	// SplitKey divides raw (a KeyStorage key's bytes) into signing key,
	// encrypting key, and key-nonce tail, per §4.C.
	SplitKey(raw []byte) (KeyMaterial, error)

	// Sign computes a MAC over header+payload.
	Sign(km KeyMaterial, headerAndPayload []byte) ([]byte, error)

	// Verify checks a MAC over header+payload, returning
	// BadSecurityChecksFailed on mismatch.
	Verify(km KeyMaterial, headerAndPayload, signature []byte) error

	// Encrypt/Decrypt cover the payload only, combining km.KeyNonce with
	// the per-message nonce counter into the CTR counter block.
	Encrypt(km KeyMaterial, messageNonce [8]byte, plaintext []byte) ([]byte, error)
	Decrypt(km KeyMaterial, messageNonce [8]byte, ciphertext []byte) ([]byte, error)
}

// PolicyFor resolves a Policy implementation by URI.
func PolicyFor(uri PolicyURI) (Policy, error) {
	switch uri {
	case PolicyAes128CTR:
		return aesCTRPolicy{keyBytes: 16}, nil
	case PolicyAes256CTR:
		return aesCTRPolicy{keyBytes: 32}, nil
	default:
		return nil, pserrors.ErrSecurityPolicyRejected("unrecognised security policy uri: " + string(uri))
	}
}

// aesCTRPolicy implements both PubSub-Aes128-CTR and PubSub-Aes256-CTR,
// which differ only in AES key width; signing is HMAC-SHA256 for both.
type aesCTRPolicy struct {
	keyBytes int
}

const (
	hmacKeyLength  = 32
	keyNonceLength = 4
	hmacSignatureLength = sha256.Size
)

func (p aesCTRPolicy) URI() PolicyURI {
	if p.keyBytes == 32 {
		return PolicyAes256CTR
	}
	return PolicyAes128CTR
}

func (p aesCTRPolicy) SigningKeyLength() int    { return hmacKeyLength }
func (p aesCTRPolicy) EncryptingKeyLength() int { return p.keyBytes }

func (p aesCTRPolicy) SplitKey(raw []byte) (KeyMaterial, error) {
	need := p.SigningKeyLength() + p.EncryptingKeyLength() + keyNonceLength
	if len(raw) < need {
		return KeyMaterial{}, pserrors.ErrInvalidArgument(
			fmt.Sprintf("key material too short for policy: need %d, have %d", need, len(raw)), nil)
	}
	return KeyMaterial{
		SigningKey:    raw[:p.SigningKeyLength()],
		EncryptingKey: raw[p.SigningKeyLength() : p.SigningKeyLength()+p.EncryptingKeyLength()],
		KeyNonce:      raw[p.SigningKeyLength()+p.EncryptingKeyLength() : need],
	}, nil
}

func (p aesCTRPolicy) Sign(km KeyMaterial, headerAndPayload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, km.SigningKey)
	mac.Write(headerAndPayload)
	return mac.Sum(nil), nil
}

func (p aesCTRPolicy) Verify(km KeyMaterial, headerAndPayload, signature []byte) error {
	expected, _ := p.Sign(km, headerAndPayload)
	if !hmac.Equal(expected, signature) {
		return pserrors.ErrSecurityChecksFailed("signature mismatch")
	}
	return nil
}

func (p aesCTRPolicy) Encrypt(km KeyMaterial, messageNonce [8]byte, plaintext []byte) ([]byte, error) {
	stream, err := p.ctrStream(km, messageNonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)
	return out, nil
}

func (p aesCTRPolicy) Decrypt(km KeyMaterial, messageNonce [8]byte, ciphertext []byte) ([]byte, error) {
	// CTR is symmetric: decrypt is the same XOR operation as encrypt.
	return p.Encrypt(km, messageNonce, ciphertext)
}

// ctrStream builds the AES-CTR counter block from the key-nonce (the tail
// SplitKey takes from the current key) and the per-message nonce (sender seed + counter, §4.B),
// satisfying the "nonce uniqueness within a key's lifetime" requirement as
// long as the caller never repeats a messageNonce for one key.
func (p aesCTRPolicy) ctrStream(km KeyMaterial, messageNonce [8]byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(km.EncryptingKey)
	if err != nil {
		return nil, pserrors.ErrInternalError(err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, km.KeyNonce)
	copy(iv[keyNonceLength:keyNonceLength+8], messageNonce[:])
	return cipher.NewCTR(block, iv), nil
}
