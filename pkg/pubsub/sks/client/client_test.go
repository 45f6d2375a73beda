package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open62541-go/pubsub-core/pkg/pubsub/keystorage"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
)

type fakeScheduler struct{}

func (fakeScheduler) Schedule(after time.Duration, fn func()) {}

type fakeTarget struct{}

func (fakeTarget) ActivateKeys(securityGroupID string, tokenID uint32, km security.KeyMaterial) error {
	return nil
}

type fakeCaller struct {
	resp      GetSecurityKeysResponse
	err       error
	closed    bool
	gotStart  uint32
	gotCount  uint32
}

func (c *fakeCaller) CallGetSecurityKeys(ctx context.Context, securityGroupID string, startingTokenID, requestedKeyCount uint32) (GetSecurityKeysResponse, error) {
	c.gotStart = startingTokenID
	c.gotCount = requestedKeyCount
	return c.resp, c.err
}

func (c *fakeCaller) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	caller *fakeCaller
	dialErr error
}

func (d *fakeDialer) Dial(ctx context.Context, endpointURL string) (MethodCaller, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.caller, nil
}

func newGroup(t *testing.T) *keystorage.KeyStorage {
	t.Helper()
	policy, err := security.PolicyFor(security.PolicyAes128CTR)
	require.NoError(t, err)
	ks, err := keystorage.Init("group-1", policy, 2, 2, fakeScheduler{}, fakeTarget{})
	require.NoError(t, err)
	return ks
}

func rawKey(t *testing.T, policy security.Policy, fill byte) []byte {
	t.Helper()
	n := policy.SigningKeyLength() + policy.EncryptingKeyLength() + 4
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestGetSecurityKeysAndStore_PullsCurrentOnFirstCall(t *testing.T) {
	ks := newGroup(t)
	caller := &fakeCaller{resp: GetSecurityKeysResponse{
		SecurityPolicyURI: ks.Policy.URI(),
		FirstTokenID:      7,
		CurrentKey:        rawKey(t, ks.Policy, 1),
		KeyLifetime:       time.Minute,
	}}
	c := New(&fakeDialer{caller: caller})

	var completeErr error
	done := make(chan struct{})
	c.GetSecurityKeysAndStore(context.Background(), ks, "opc.tcp://sks.example.org", func(err error) {
		completeErr = err
		close(done)
	})
	<-done

	assert.NoError(t, completeErr)
	assert.Equal(t, uint32(0), caller.gotStart)
	assert.True(t, caller.closed)

	id, ok := ks.CurrentID()
	require.True(t, ok)
	assert.Equal(t, uint32(7), id)
	assert.Equal(t, time.Minute, ks.KeyLifetime)
}

func TestGetSecurityKeysAndStore_SubsequentPullStartsFromCurrent(t *testing.T) {
	ks := newGroup(t)
	ks.AddKeys([][]byte{rawKey(t, ks.Policy, 1)}, 3)

	caller := &fakeCaller{resp: GetSecurityKeysResponse{
		SecurityPolicyURI: ks.Policy.URI(),
		FirstTokenID:      4,
		CurrentKey:        rawKey(t, ks.Policy, 2),
	}}
	c := New(&fakeDialer{caller: caller})

	done := make(chan struct{})
	c.GetSecurityKeysAndStore(context.Background(), ks, "opc.tcp://sks.example.org", func(error) { close(done) })
	<-done

	assert.Equal(t, uint32(0), caller.gotStart) // 0 asks the server for its current key
}

func TestGetSecurityKeysAndStore_PolicyMismatchFails(t *testing.T) {
	ks := newGroup(t)
	caller := &fakeCaller{resp: GetSecurityKeysResponse{
		SecurityPolicyURI: security.PolicyAes256CTR,
		FirstTokenID:      1,
		CurrentKey:        rawKey(t, ks.Policy, 1),
	}}
	c := New(&fakeDialer{caller: caller})

	var completeErr error
	done := make(chan struct{})
	c.GetSecurityKeysAndStore(context.Background(), ks, "opc.tcp://sks.example.org", func(err error) {
		completeErr = err
		close(done)
	})
	<-done

	assert.Error(t, completeErr)
	_, ok := ks.CurrentID()
	assert.False(t, ok, "a policy mismatch must not install any key")
}

func TestGetSecurityKeysAndStore_DialFailurePropagates(t *testing.T) {
	ks := newGroup(t)
	c := New(&fakeDialer{dialErr: assert.AnError})

	var completeErr error
	done := make(chan struct{})
	c.GetSecurityKeysAndStore(context.Background(), ks, "opc.tcp://sks.example.org", func(err error) {
		completeErr = err
		close(done)
	})
	<-done

	assert.Error(t, completeErr)
}

func TestGetSecurityKeysAndStore_SkipsWhenPullAlreadyOutstanding(t *testing.T) {
	ks := newGroup(t)
	blocking := make(chan struct{})
	caller := &blockingCaller{resp: GetSecurityKeysResponse{
		SecurityPolicyURI: ks.Policy.URI(),
		FirstTokenID:      1,
		CurrentKey:        rawKey(t, ks.Policy, 1),
	}, unblock: blocking, started: make(chan struct{})}
	c := New(&blockingDialer{caller: caller})

	firstDone := make(chan struct{})
	go c.GetSecurityKeysAndStore(context.Background(), ks, "opc.tcp://sks.example.org", func(error) { close(firstDone) })

	<-caller.started

	secondCalled := false
	secondDone := make(chan struct{})
	c.GetSecurityKeysAndStore(context.Background(), ks, "opc.tcp://sks.example.org", func(error) {
		secondCalled = true
		close(secondDone)
	})
	// The second call is synchronous and a no-op when a pull is outstanding,
	// so onComplete is never invoked for it.
	select {
	case <-secondDone:
		t.Fatal("onComplete should not run for a skipped duplicate pull")
	default:
	}
	assert.False(t, secondCalled)

	close(blocking)
	<-firstDone
}

type blockingCaller struct {
	resp    GetSecurityKeysResponse
	unblock chan struct{}
	started chan struct{}
}

type blockingDialer struct {
	caller *blockingCaller
}

func (d *blockingDialer) Dial(ctx context.Context, endpointURL string) (MethodCaller, error) {
	return d.caller, nil
}

func (c *blockingCaller) CallGetSecurityKeys(ctx context.Context, securityGroupID string, startingTokenID, requestedKeyCount uint32) (GetSecurityKeysResponse, error) {
	close(c.started)
	<-c.unblock
	return c.resp, nil
}

func (c *blockingCaller) Close() error { return nil }
