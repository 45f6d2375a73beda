package sks_test

import (
	"context"
	"time"

	"github.com/open62541-go/pubsub-core/pkg/pubsub/keystorage"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/sks/client"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/sks/server"
	"github.com/open62541-go/pubsub-core/pkg/test"

	"testing"
)

// noopScheduler/noopTarget stand in for the manager's real Scheduler/
// ActivationTarget implementations, which this integration test has no need
// to exercise — only the pull/push wire contract between client and server.
type noopScheduler struct{}

func (noopScheduler) Schedule(time.Duration, func()) {}

type noopTarget struct{}

func (noopTarget) ActivateKeys(string, uint32, security.KeyMaterial) error { return nil }

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) CheckChannelSecurity(ctx context.Context) error { return nil }
func (allowAllAuthorizer) CheckAccess(ctx context.Context, securityGroupID string, write bool) error {
	return nil
}

type registry struct {
	groups map[string]*keystorage.KeyStorage
}

func (r *registry) Lookup(securityGroupID string) (*keystorage.KeyStorage, bool) {
	ks, ok := r.groups[securityGroupID]
	return ks, ok
}

// inProcessCaller adapts server.Server.GetSecurityKeys directly into the
// client.MethodCaller contract, standing in for a real SecureChannel-backed
// RPC so the round trip is driven entirely by this repo's own codec-free
// contract types.
type inProcessCaller struct {
	srv *server.Server
}

func (c *inProcessCaller) CallGetSecurityKeys(ctx context.Context, securityGroupID string, startingTokenID, requestedKeyCount uint32) (client.GetSecurityKeysResponse, error) {
	resp, err := c.srv.GetSecurityKeys(ctx, securityGroupID, startingTokenID, requestedKeyCount)
	if err != nil {
		return client.GetSecurityKeysResponse{}, err
	}
	return client.GetSecurityKeysResponse{
		SecurityPolicyURI: resp.SecurityPolicyURI,
		FirstTokenID:      resp.FirstTokenID,
		CurrentKey:        resp.CurrentKey,
		FutureKeys:        resp.FutureKeys,
		TimeToNextKey:     resp.TimeToNextKey,
		KeyLifetime:       resp.KeyLifetime,
	}, nil
}

func (c *inProcessCaller) Close() error { return nil }

type inProcessDialer struct {
	caller *inProcessCaller
}

func (d *inProcessDialer) Dial(ctx context.Context, endpointURL string) (client.MethodCaller, error) {
	return d.caller, nil
}

// SKSPullPushSuite drives the §4.E pull protocol end to end: a central
// server's KeyStorage (seeded as if pushed to by SetSecurityKeys) answers a
// remote participant's GetSecurityKeysAndStore pull against its own,
// independent KeyStorage.
type SKSPullPushSuite struct {
	test.Suite

	policy      security.Policy
	serverStore *keystorage.KeyStorage
	clientStore *keystorage.KeyStorage
	srv         *server.Server
}

func (s *SKSPullPushSuite) SetupTest() {
	s.Suite.SetupTest()

	policy, err := security.PolicyFor(security.PolicyAes128CTR)
	s.Require().NoError(err)
	s.policy = policy

	serverStore, err := keystorage.Init("group-1", policy, 1, 2, noopScheduler{}, noopTarget{})
	s.Require().NoError(err)
	s.serverStore = serverStore

	clientStore, err := keystorage.Init("group-1", policy, 1, 2, noopScheduler{}, noopTarget{})
	s.Require().NoError(err)
	s.clientStore = clientStore

	s.srv = server.New(&registry{groups: map[string]*keystorage.KeyStorage{"group-1": serverStore}}, allowAllAuthorizer{}, 2)
}

func (s *SKSPullPushSuite) rawKey(fill byte) []byte {
	n := s.policy.SigningKeyLength() + s.policy.EncryptingKeyLength() + 4
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func (s *SKSPullPushSuite) TestPullInstallsServerCurrentKey() {
	err := s.srv.SetSecurityKeys(s.Ctx, "group-1", s.policy.URI(), 10, s.rawKey(1), [][]byte{s.rawKey(2)}, 0, time.Hour)
	s.Require().NoError(err)

	c := client.New(&inProcessDialer{caller: &inProcessCaller{srv: s.srv}})

	done := make(chan error, 1)
	c.GetSecurityKeysAndStore(s.Ctx, s.clientStore, "opc.tcp://sks.example.org", func(err error) { done <- err })
	s.Require().NoError(<-done)

	id, ok := s.clientStore.CurrentID()
	s.Require().True(ok)
	s.Equal(uint32(10), id)
}

func (s *SKSPullPushSuite) TestPullAfterRolloverTracksNewCurrent() {
	err := s.srv.SetSecurityKeys(s.Ctx, "group-1", s.policy.URI(), 10, s.rawKey(1), [][]byte{s.rawKey(2)}, 0, time.Hour)
	s.Require().NoError(err)

	c := client.New(&inProcessDialer{caller: &inProcessCaller{srv: s.srv}})
	first := make(chan error, 1)
	c.GetSecurityKeysAndStore(s.Ctx, s.clientStore, "opc.tcp://sks.example.org", func(err error) { first <- err })
	s.Require().NoError(<-first)

	s.Require().NoError(s.serverStore.SetCurrent(11))

	second := make(chan error, 1)
	c.GetSecurityKeysAndStore(s.Ctx, s.clientStore, "opc.tcp://sks.example.org", func(err error) { second <- err })
	s.Require().NoError(<-second)

	id, ok := s.clientStore.CurrentID()
	s.Require().True(ok)
	s.Equal(uint32(11), id)
}

func (s *SKSPullPushSuite) TestPullDeniedWithoutChannelSecurity() {
	denySrv := server.New(&registry{groups: map[string]*keystorage.KeyStorage{"group-1": s.serverStore}}, denyingAuthorizer{}, 2)
	s.Require().NoError(s.srv.SetSecurityKeys(s.Ctx, "group-1", s.policy.URI(), 10, s.rawKey(1), nil, 0, time.Hour))

	c := client.New(&inProcessDialer{caller: &inProcessCaller{srv: denySrv}})
	done := make(chan error, 1)
	c.GetSecurityKeysAndStore(s.Ctx, s.clientStore, "opc.tcp://sks.example.org", func(err error) { done <- err })
	s.Require().Error(<-done)
}

type denyingAuthorizer struct{}

func (denyingAuthorizer) CheckChannelSecurity(ctx context.Context) error {
	return assertError
}
func (denyingAuthorizer) CheckAccess(ctx context.Context, securityGroupID string, write bool) error {
	return nil
}

var assertError = errNoChannelSecurity{}

type errNoChannelSecurity struct{}

func (errNoChannelSecurity) Error() string { return "channel does not meet security minimum" }

func TestSKSPullPushSuite(t *testing.T) {
	test.Run(t, new(SKSPullPushSuite))
}
