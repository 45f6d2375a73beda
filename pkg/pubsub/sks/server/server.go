// Package server implements the Security Key Service push/pull method
// handlers from §4.E: GetSecurityKeys and SetSecurityKeys, gated by an
// authorization check before either touches a SecurityGroup's key list.
package server

import (
	"context"
	"time"

	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/keystorage"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
)

const maxUint32 = ^uint32(0)

// GetSecurityKeysResponse mirrors client.GetSecurityKeysResponse; kept as a
// separate type since the server and client packages must not import each
// other (the server has no business depending on pull-session bookkeeping).
type GetSecurityKeysResponse struct {
	SecurityPolicyURI security.PolicyURI
	FirstTokenID      uint32
	CurrentKey        []byte
	FutureKeys        [][]byte
	TimeToNextKey     time.Duration
	KeyLifetime       time.Duration
}

// Authorizer gates both methods per §4.E's error taxonomy: a channel below
// Sign&Encrypt is rejected outright, and a channel without a role entitled
// to the SecurityGroup is rejected even over an otherwise-secure channel.
type Authorizer interface {
	CheckChannelSecurity(ctx context.Context) error
	CheckAccess(ctx context.Context, securityGroupID string, write bool) error
}

// GroupRegistry looks up the KeyStorage backing a SecurityGroup by id.
type GroupRegistry interface {
	Lookup(securityGroupID string) (*keystorage.KeyStorage, bool)
}

// Server implements the two SKS method handlers against a GroupRegistry.
type Server struct {
	groups            GroupRegistry
	authz             Authorizer
	maxFutureKeyCount uint32
}

// New creates a Server. maxFutureKeyCount bounds GetSecurityKeys responses
// to 1+maxFutureKeyCount entries regardless of what the caller requests.
func New(groups GroupRegistry, authz Authorizer, maxFutureKeyCount uint32) *Server {
	return &Server{groups: groups, authz: authz, maxFutureKeyCount: maxFutureKeyCount}
}

// GetSecurityKeys implements §4.E's pull-side method. startingTokenId 0
// means "current"; requestedKeyCount U32_MAX means "all available", capped
// at 1+maxFutureKeyCount regardless.
func (s *Server) GetSecurityKeys(ctx context.Context, securityGroupID string, startingTokenID, requestedKeyCount uint32) (GetSecurityKeysResponse, error) {
	if err := s.authz.CheckChannelSecurity(ctx); err != nil {
		return GetSecurityKeysResponse{}, err
	}
	if err := s.authz.CheckAccess(ctx, securityGroupID, false); err != nil {
		return GetSecurityKeysResponse{}, err
	}

	ks, ok := s.groups.Lookup(securityGroupID)
	if !ok {
		return GetSecurityKeysResponse{}, pserrors.ErrNotFound("sks server: unknown security group " + securityGroupID)
	}

	resolvedStart := startingTokenID
	if resolvedStart == 0 {
		current, hasCurrent := ks.CurrentID()
		if !hasCurrent {
			return GetSecurityKeysResponse{}, pserrors.ErrInternalError(nil)
		}
		resolvedStart = current
	}

	// requestedKeyCount 0 asks for the current key only, per §4.E scenario 5;
	// anything else is capped at 1+maxFutureKeyCount regardless of what's asked.
	limit := s.maxFutureKeyCount + 1
	switch {
	case requestedKeyCount == 0:
		limit = 1
	case requestedKeyCount < limit:
		limit = requestedKeyCount
	}

	items, err := ks.ItemsFrom(resolvedStart, limit)
	if err != nil {
		return GetSecurityKeysResponse{}, err
	}
	if len(items) == 0 {
		return GetSecurityKeysResponse{}, pserrors.ErrInvalidArgument("sks server: no keys available from requested starting token", nil)
	}

	futureKeys := make([][]byte, 0, len(items)-1)
	for _, item := range items[1:] {
		futureKeys = append(futureKeys, item.Key)
	}

	return GetSecurityKeysResponse{
		SecurityPolicyURI: ks.Policy.URI(),
		FirstTokenID:      items[0].KeyID,
		CurrentKey:        items[0].Key,
		FutureKeys:        futureKeys,
		KeyLifetime:       ks.KeyLifetime,
	}, nil
}

// SetSecurityKeys implements §4.E's push-side method: a central SKS calls
// this on a PubSub participant to install a freshly rotated key set.
func (s *Server) SetSecurityKeys(ctx context.Context, securityGroupID string, policyURI security.PolicyURI, currentTokenID uint32, currentKey []byte, futureKeys [][]byte, timeToNextKey, keyLifetime time.Duration) error {
	if err := s.authz.CheckChannelSecurity(ctx); err != nil {
		return err
	}
	if err := s.authz.CheckAccess(ctx, securityGroupID, true); err != nil {
		return err
	}

	ks, ok := s.groups.Lookup(securityGroupID)
	if !ok {
		return pserrors.ErrNotFound("sks server: unknown security group " + securityGroupID)
	}
	if policyURI != ks.Policy.URI() {
		return pserrors.ErrInvalidArgument("sks server: policy uri does not match security group's configured policy", nil)
	}
	if currentTokenID == 0 || currentTokenID == maxUint32 {
		return pserrors.ErrInvalidArgument("sks server: currentTokenId must be a valid non-zero, non-sentinel key id", nil)
	}

	all := append([][]byte{currentKey}, futureKeys...)
	if ks.HasKey(currentTokenID) {
		ks.AddKeys(all, currentTokenID)
	} else {
		ks.ReplaceKeys(all, currentTokenID)
	}
	if err := ks.SetCurrent(currentTokenID); err != nil {
		return err
	}
	ks.KeyLifetime = keyLifetime

	if err := ks.ActivateIntoChannel(); err != nil {
		return err
	}
	if timeToNextKey > 0 {
		ks.ScheduleRolloverAfter(timeToNextKey)
	} else {
		ks.ScheduleRollover()
	}
	return nil
}
