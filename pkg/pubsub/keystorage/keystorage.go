// Package keystorage implements the ordered past/current/future key list
// and rollover scheduling from §4.C.
package keystorage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open62541-go/pubsub-core/pkg/datastructures/linkedlist"
	"github.com/open62541-go/pubsub-core/pkg/logger"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
)

const maxUint32 = ^uint32(0)

// KeyListItem is one entry in a KeyStorage's ordered key list (§3). The
// original's intrusive next/prev pointers are dropped in favor of
// pkg/datastructures/linkedlist.List[*KeyListItem], which already owns
// ordering; KeyListItem itself stays a plain value.
type KeyListItem struct {
	KeyID uint32
	Key   []byte
}

// Scheduler lets KeyStorage arm a one-shot deadline on the manager's event
// loop instead of holding a raw OS timer handle, per Design Notes' "single
// next-event priority queue" guidance. The manager implements this by
// pushing onto its pkg/datastructures/heap.MinHeap[*scheduledEvent].
type Scheduler interface {
	Schedule(after time.Duration, fn func())
}

// ActivationTarget receives split key material for one SecurityGroup's
// bound groups, standing in for "every group's cryptographic channel
// context" from §4.C without KeyStorage depending on pkg/pubsub's Group
// types directly.
type ActivationTarget interface {
	ActivateKeys(securityGroupID string, tokenID uint32, km security.KeyMaterial) error
}

// PullClient abstracts sks/client.Client's GetSecurityKeysAndStore so a
// KeyStorage can trigger its own re-pull from the tail-of-list rollover
// branch without importing the client package, which already imports
// keystorage. *client.Client satisfies this interface as-is.
type PullClient interface {
	GetSecurityKeysAndStore(ctx context.Context, ks *KeyStorage, endpointURL string, onComplete func(error))
}

// KeyStorage is the per-SecurityGroup ordered key list (§3, §4.C).
type KeyStorage struct {
	mu sync.Mutex

	SecurityGroupID string
	Policy          security.Policy
	MaxPastKeys     uint32
	MaxFutureKeys   uint32
	KeyLifetime     time.Duration

	keyList    *linkedlist.List[*KeyListItem]
	currentID  uint32
	hasCurrent bool
	refCount   int

	scheduler Scheduler
	target    ActivationTarget

	// SKS pull bookkeeping (§4.E) lives alongside the key list since a pull
	// response feeds directly back into addKeys/setCurrent.
	PullEndpoint    string
	pullClient      PullClient
	pullOutstanding bool
}

// Init creates an empty KeyStorage, per §4.C. maxPast+1+maxFuture MUST fit
// in a uint32 — Open Question decision 2 in SPEC_FULL.md chooses an
// explicit guard over silent wraparound.
func Init(securityGroupID string, policy security.Policy, maxPast, maxFuture uint32, scheduler Scheduler, target ActivationTarget) (*KeyStorage, error) {
	if securityGroupID == "" {
		return nil, pserrors.ErrInvalidArgument("securityGroupId must not be empty", nil)
	}
	if policy == nil {
		return nil, pserrors.ErrInvalidArgument("security policy reference is required", nil)
	}
	sum := uint64(maxPast) + 1 + uint64(maxFuture)
	if sum > uint64(maxUint32) {
		return nil, pserrors.ErrInvalidArgument("maxPastKeyCount + maxFutureKeyCount + 1 overflows uint32", nil)
	}

	return &KeyStorage{
		SecurityGroupID: securityGroupID,
		Policy:          policy,
		MaxPastKeys:     maxPast,
		MaxFutureKeys:   maxFuture,
		keyList:         linkedlist.New[*KeyListItem](),
		scheduler:       scheduler,
		target:          target,
		refCount:        1,
	}, nil
}

func nextKeyID(id uint32) uint32 {
	if id == maxUint32 {
		return 1
	}
	return id + 1
}

// snapshot drains and rebuilds keyList to produce an ordered read-only view
// without exposing mutation access on linkedlist.List, whose API is
// intentionally PushBack/PushFront/PopFront/PopBack/Len only.
func (ks *KeyStorage) snapshot() []*KeyListItem {
	items := make([]*KeyListItem, 0, ks.keyList.Len())
	for {
		item, ok := ks.keyList.PopFront()
		if !ok {
			break
		}
		items = append(items, item)
	}
	for _, item := range items {
		ks.keyList.PushBack(item)
	}
	return items
}

// AddKeys appends keys in order starting at firstKeyId, ids rolling from
// U32_MAX to 1 (never 0). A key with an id that already exists is discarded
// (idempotent), per §4.C.
func (ks *KeyStorage) AddKeys(keys [][]byte, firstKeyID uint32) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	existing := make(map[uint32]struct{}, ks.keyList.Len())
	for _, item := range ks.snapshot() {
		existing[item.KeyID] = struct{}{}
	}

	id := firstKeyID
	if id == 0 {
		id = 1
	}
	for i, key := range keys {
		if id == maxUint32 && i+1 < len(keys) {
			logger.L().Warn("keystorage: firstKeyId wrapped past UA_UINT32_MAX mid-batch", "security_group_id", ks.SecurityGroupID)
		}
		if _, dup := existing[id]; !dup {
			ks.keyList.PushBack(&KeyListItem{KeyID: id, Key: key})
			existing[id] = struct{}{}
			if !ks.hasCurrent {
				ks.currentID = id
				ks.hasCurrent = true
			}
		}
		id = nextKeyID(id)
	}

	ks.trimLocked()
}

// HasKey reports whether keyID is present in the list.
func (ks *KeyStorage) HasKey(keyID uint32) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, item := range ks.snapshot() {
		if item.KeyID == keyID {
			return true
		}
	}
	return false
}

// ReplaceKeys discards the entire list and installs keys starting at
// firstKeyId, per §4.E's SetSecurityKeys: "otherwise replace the entire
// list" when the pushed currentTokenId matches nothing already held (the
// SKS has rotated independently of this participant's view).
func (ks *KeyStorage) ReplaceKeys(keys [][]byte, firstKeyID uint32) {
	ks.mu.Lock()
	for {
		if _, ok := ks.keyList.PopFront(); !ok {
			break
		}
	}
	ks.hasCurrent = false
	ks.currentID = 0
	ks.mu.Unlock()

	ks.AddKeys(keys, firstKeyID)
}

// trimLocked drops the oldest past keys once keyListSize exceeds
// maxPastKeys+1+maxFutureKeys, then the newest future keys if the list is
// still too long, so currentItem always stays in the list (§3).
func (ks *KeyStorage) trimLocked() {
	limit := int(ks.MaxPastKeys) + 1 + int(ks.MaxFutureKeys)
	for ks.keyList.Len() > limit {
		front, ok := ks.keyList.PopFront()
		if !ok {
			break
		}
		if ks.hasCurrent && front.KeyID == ks.currentID {
			ks.keyList.PushFront(front)
			break
		}
	}
	for ks.keyList.Len() > limit {
		if _, ok := ks.keyList.PopBack(); !ok {
			break
		}
	}
}

// SetCurrent sets currentItem by id; does not itself trigger activation.
func (ks *KeyStorage) SetCurrent(keyID uint32) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for _, item := range ks.snapshot() {
		if item.KeyID == keyID {
			ks.currentID = keyID
			ks.hasCurrent = true
			return nil
		}
	}
	return pserrors.ErrNotFound(fmt.Sprintf("keystorage: key id %d not found", keyID))
}

// CurrentID returns the active key id, if any.
func (ks *KeyStorage) CurrentID() (uint32, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.currentID, ks.hasCurrent
}

// Size returns the number of keys currently held.
func (ks *KeyStorage) Size() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.keyList.Len()
}

// ActivateIntoChannel splits the current key via the policy and installs it
// into every group bound to this SecurityGroup through target, per §4.C.
func (ks *KeyStorage) ActivateIntoChannel() error {
	ks.mu.Lock()
	if !ks.hasCurrent {
		ks.mu.Unlock()
		return pserrors.ErrNotFound("keystorage: no current key to activate")
	}
	var current *KeyListItem
	for _, item := range ks.snapshot() {
		if item.KeyID == ks.currentID {
			current = item
			break
		}
	}
	policy := ks.Policy
	securityGroupID := ks.SecurityGroupID
	ks.mu.Unlock()

	if current == nil {
		return pserrors.ErrNotFound("keystorage: current key vanished from list")
	}

	km, err := policy.SplitKey(current.Key)
	if err != nil {
		return err
	}
	return ks.target.ActivateKeys(securityGroupID, current.KeyID, km)
}

// ConfigurePull installs the endpoint and PullClient the tail-of-list
// rollover branch uses to fetch fresh keys once nothing past currentItem
// remains, per §4.E.
func (ks *KeyStorage) ConfigurePull(endpointURL string, client PullClient) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.PullEndpoint = endpointURL
	ks.pullClient = client
}

// ScheduleRollover registers a one-shot deadline that advances currentItem
// to its list successor, reactivates keys, and re-arms for keyLifetime. If
// currentItem is already the tail and an SKS endpoint is configured, it
// schedules a pull at keyLifetime/2 instead of advancing, per §4.C.
func (ks *KeyStorage) ScheduleRollover() {
	ks.mu.Lock()
	lifetime := ks.KeyLifetime
	ks.mu.Unlock()
	if lifetime <= 0 {
		return
	}
	ks.scheduler.Schedule(lifetime, ks.rollover)
}

func (ks *KeyStorage) rollover() {
	ks.mu.Lock()
	items := ks.snapshot()
	tail := len(items) == 0 || (ks.hasCurrent && items[len(items)-1].KeyID == ks.currentID)

	if tail && ks.PullEndpoint != "" {
		ks.mu.Unlock()
		ks.scheduler.Schedule(ks.KeyLifetime/2, ks.pull)
		return
	}

	var nextID uint32
	found := false
	for i, item := range items {
		if item.KeyID == ks.currentID && i+1 < len(items) {
			nextID = items[i+1].KeyID
			found = true
			break
		}
	}
	if !found {
		ks.mu.Unlock()
		return
	}
	ks.currentID = nextID
	ks.mu.Unlock()

	if err := ks.ActivateIntoChannel(); err != nil {
		logger.L().Error("keystorage: rollover activation failed", "security_group_id", ks.SecurityGroupID, "error", err)
	}
	ks.ScheduleRollover()
}

// pull issues a GetSecurityKeysAndStore call through the configured
// PullClient, implementing the tail-of-list branch of ScheduleRollover
// (§4.C/§4.E). A pull already in flight for this SecurityGroup is skipped;
// the client itself also dedups per SecurityGroup, but this guard avoids
// arming a redundant one-shot deadline. On success the freshly pulled keys
// leave the list with a new tail, so ScheduleRollover is re-armed against
// the (now later) deadline E names as resettable.
func (ks *KeyStorage) pull() {
	ks.mu.Lock()
	client := ks.pullClient
	endpoint := ks.PullEndpoint
	if client == nil {
		ks.mu.Unlock()
		logger.L().Warn("keystorage: current key is tail of list but no SKS pull client is configured", "security_group_id", ks.SecurityGroupID)
		return
	}
	if ks.pullOutstanding {
		ks.mu.Unlock()
		return
	}
	ks.pullOutstanding = true
	ks.mu.Unlock()

	client.GetSecurityKeysAndStore(context.Background(), ks, endpoint, func(err error) {
		ks.mu.Lock()
		ks.pullOutstanding = false
		ks.mu.Unlock()
		if err != nil {
			logger.L().Error("keystorage: SKS pull failed", "security_group_id", ks.SecurityGroupID, "error", err)
			return
		}
		ks.ScheduleRollover()
	})
}

// ItemsFrom returns up to maxCount keys starting at startID (inclusive) in
// list order, or the whole list from the front if startID is 0, per §4.E's
// GetSecurityKeys "startingTokenId 0 means current" is resolved by the
// caller before calling this; ItemsFrom only understands literal ids.
func (ks *KeyStorage) ItemsFrom(startID uint32, maxCount uint32) ([]*KeyListItem, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	items := ks.snapshot()
	start := 0
	if startID != 0 {
		found := false
		for i, item := range items {
			if item.KeyID == startID {
				start = i
				found = true
				break
			}
		}
		if !found {
			return nil, pserrors.ErrNotFound(fmt.Sprintf("keystorage: starting key id %d not found", startID))
		}
	}

	end := len(items)
	if maxCount != 0 && uint64(start)+uint64(maxCount) < uint64(end) {
		end = start + int(maxCount)
	}
	return items[start:end], nil
}

// ScheduleRolloverAfter arms a one-shot rollover at an explicit delay,
// overriding the normal keyLifetime spacing for the first rollover after a
// SetSecurityKeys push supplies its own timeToNextKey, per §4.E.
func (ks *KeyStorage) ScheduleRolloverAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	ks.scheduler.Schedule(d, ks.rollover)
}

// Retain/Release implement the reference-counted lifecycle from §4.C:
// created at SecurityGroup registration, retained while any group
// references it, destroyed when the count reaches zero.
func (ks *KeyStorage) Retain() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.refCount++
}

// Release decrements the reference count and reports whether it reached
// zero (the caller then removes the KeyStorage from the manager).
func (ks *KeyStorage) Release() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.refCount--
	return ks.refCount <= 0
}
