package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open62541-go/pubsub-core/pkg/pubsub/keystorage"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
)

type fakeScheduler struct {
	calls []func()
}

func (f *fakeScheduler) Schedule(after time.Duration, fn func()) {
	f.calls = append(f.calls, fn)
}

type fakeTarget struct{}

func (fakeTarget) ActivateKeys(securityGroupID string, tokenID uint32, km security.KeyMaterial) error {
	return nil
}

type fakeRegistry struct {
	groups map[string]*keystorage.KeyStorage
}

func (r *fakeRegistry) Lookup(securityGroupID string) (*keystorage.KeyStorage, bool) {
	ks, ok := r.groups[securityGroupID]
	return ks, ok
}

type fakeAuthorizer struct {
	channelErr error
	accessErr  error
}

func (a *fakeAuthorizer) CheckChannelSecurity(ctx context.Context) error { return a.channelErr }
func (a *fakeAuthorizer) CheckAccess(ctx context.Context, securityGroupID string, write bool) error {
	return a.accessErr
}

func newGroup(t *testing.T, id string) *keystorage.KeyStorage {
	t.Helper()
	policy, err := security.PolicyFor(security.PolicyAes128CTR)
	require.NoError(t, err)
	ks, err := keystorage.Init(id, policy, 2, 2, &fakeScheduler{}, fakeTarget{})
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

func TestGetSecurityKeys_CurrentOnlyWhenRequestedCountIsZero(t *testing.T) {
	ks := newGroup(t, "group-1")
	ks.AddKeys([][]byte{rawKey(t, ks.Policy, 1), rawKey(t, ks.Policy, 2)}, 10)

	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{"group-1": ks}}, &fakeAuthorizer{}, 10)

	resp, err := srv.GetSecurityKeys(context.Background(), "group-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), resp.FirstTokenID)
	assert.Empty(t, resp.FutureKeys, "requestedKeyCount=0 must return the current key only")
}

func TestGetSecurityKeys_StartingTokenZeroWithExplicitCountReturnsFutureKeys(t *testing.T) {
	ks := newGroup(t, "group-1")
	ks.AddKeys([][]byte{rawKey(t, ks.Policy, 1), rawKey(t, ks.Policy, 2)}, 10)

	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{"group-1": ks}}, &fakeAuthorizer{}, 10)

	resp, err := srv.GetSecurityKeys(context.Background(), "group-1", 0, ^uint32(0))
	require.NoError(t, err)
	assert.Equal(t, uint32(10), resp.FirstTokenID)
	assert.Len(t, resp.FutureKeys, 1)
}

func TestGetSecurityKeys_RequestedCountCapsAtMaxFutureKeys(t *testing.T) {
	ks := newGroup(t, "group-1")
	ks.AddKeys([][]byte{
		rawKey(t, ks.Policy, 1), rawKey(t, ks.Policy, 2), rawKey(t, ks.Policy, 3), rawKey(t, ks.Policy, 4),
	}, 1)

	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{"group-1": ks}}, &fakeAuthorizer{}, 1)

	resp, err := srv.GetSecurityKeys(context.Background(), "group-1", 1, ^uint32(0))
	require.NoError(t, err)
	assert.Len(t, resp.FutureKeys, 1, "server must cap to maxFutureKeyCount regardless of requestedKeyCount")
}

func TestGetSecurityKeys_DeniedWhenChannelSecurityInsufficient(t *testing.T) {
	ks := newGroup(t, "group-1")
	ks.AddKeys([][]byte{rawKey(t, ks.Policy, 1)}, 1)
	authz := &fakeAuthorizer{channelErr: assert.AnError}
	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{"group-1": ks}}, authz, 10)

	_, err := srv.GetSecurityKeys(context.Background(), "group-1", 0, 0)
	assert.Error(t, err)
}

func TestGetSecurityKeys_DeniedWhenRoleLacksAccess(t *testing.T) {
	ks := newGroup(t, "group-1")
	ks.AddKeys([][]byte{rawKey(t, ks.Policy, 1)}, 1)
	authz := &fakeAuthorizer{accessErr: assert.AnError}
	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{"group-1": ks}}, authz, 10)

	_, err := srv.GetSecurityKeys(context.Background(), "group-1", 0, 0)
	assert.Error(t, err)
}

func TestGetSecurityKeys_UnknownGroupReturnsNotFound(t *testing.T) {
	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{}}, &fakeAuthorizer{}, 10)
	_, err := srv.GetSecurityKeys(context.Background(), "missing", 0, 0)
	assert.Error(t, err)
}

func TestSetSecurityKeys_InstallsKeysAndActivates(t *testing.T) {
	ks := newGroup(t, "group-1")
	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{"group-1": ks}}, &fakeAuthorizer{}, 10)

	current := rawKey(t, ks.Policy, 1)
	future := rawKey(t, ks.Policy, 2)
	err := srv.SetSecurityKeys(context.Background(), "group-1", ks.Policy.URI(), 5, current, [][]byte{future}, 0, time.Minute)
	require.NoError(t, err)

	id, ok := ks.CurrentID()
	require.True(t, ok)
	assert.Equal(t, uint32(5), id)
	assert.Equal(t, time.Minute, ks.KeyLifetime)
}

func TestSetSecurityKeys_RejectsMismatchedPolicy(t *testing.T) {
	ks := newGroup(t, "group-1")
	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{"group-1": ks}}, &fakeAuthorizer{}, 10)

	err := srv.SetSecurityKeys(context.Background(), "group-1", security.PolicyAes256CTR, 5, rawKey(t, ks.Policy, 1), nil, 0, time.Minute)
	assert.Error(t, err)
}

func TestSetSecurityKeys_RejectsSentinelTokenID(t *testing.T) {
	ks := newGroup(t, "group-1")
	srv := New(&fakeRegistry{groups: map[string]*keystorage.KeyStorage{"group-1": ks}}, &fakeAuthorizer{}, 10)

	err := srv.SetSecurityKeys(context.Background(), "group-1", ks.Policy.URI(), 0, rawKey(t, ks.Policy, 1), nil, 0, time.Minute)
	assert.Error(t, err)

	err = srv.SetSecurityKeys(context.Background(), "group-1", ks.Policy.URI(), ^uint32(0), rawKey(t, ks.Policy, 1), nil, 0, time.Minute)
	assert.Error(t, err)
}
