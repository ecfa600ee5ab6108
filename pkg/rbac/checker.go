package rbac

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Checker answers permission questions about principals.
type Checker interface {
	// HasPermission is true iff the principal holds name directly, through a role,
	// or holds the root role.
	HasPermission(ctx context.Context, userID int64, name string) (bool, error)

	// PermissionSet returns the resolved grants of a principal.
	PermissionSet(ctx context.Context, userID int64) (*PermissionSet, error)

	// ActiveHolders lists the active principals able to exercise name.
	ActiveHolders(ctx context.Context, name string) ([]int64, error)

	// Invalidate drops cached sets after a mutation touching the given principals.
	Invalidate(ctx context.Context, userIDs ...int64)

	// InvalidateAll drops every cached set, e.g. after a role's permissions change.
	InvalidateAll(ctx context.Context)
}

// PermissionChecker resolves permission sets from a Store, optionally through a Cache.
// Concurrent misses for the same principal share one database round trip.
//
// Every invalidation bumps a generation counter. A set loaded across an
// invalidation is never left in the cache, and callers arriving after an
// invalidation never receive a set loaded before it.
type PermissionChecker struct {
	store *Store
	cache Cache
	group singleflight.Group
	gen   atomic.Uint64
}

type loadedSet struct {
	set *PermissionSet
	gen uint64
}

// NewPermissionChecker creates a checker. A nil cache disables caching.
func NewPermissionChecker(store *Store, cache Cache) *PermissionChecker {
	return &PermissionChecker{store: store, cache: cache}
}

func (pc *PermissionChecker) HasPermission(ctx context.Context, userID int64, name string) (bool, error) {
	set, err := pc.PermissionSet(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Allows(name), nil
}

func (pc *PermissionChecker) PermissionSet(ctx context.Context, userID int64) (*PermissionSet, error) {
	if pc.cache != nil {
		if set, ok := pc.cache.Get(ctx, userID); ok {
			return set, nil
		}
	}

	key := strconv.FormatInt(userID, 10)
	for {
		since := pc.gen.Load()
		v, err, _ := pc.group.Do(key, func() (interface{}, error) {
			return pc.load(ctx, userID)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve permissions of user %d: %w", userID, err)
		}
		loaded := v.(loadedSet)
		if loaded.gen >= since {
			return loaded.set, nil
		}
		// joined a flight that started before the last invalidation
		pc.group.Forget(key)
	}
}

func (pc *PermissionChecker) load(ctx context.Context, userID int64) (loadedSet, error) {
	gen := pc.gen.Load()
	set, err := pc.store.LoadPermissionSet(ctx, userID)
	if err != nil {
		return loadedSet{}, err
	}
	if pc.cache != nil && pc.gen.Load() == gen {
		pc.cache.Set(ctx, set)
		if pc.gen.Load() != gen {
			pc.cache.Delete(ctx, userID)
		}
	}
	return loadedSet{set: set, gen: gen}, nil
}

func (pc *PermissionChecker) ActiveHolders(ctx context.Context, name string) ([]int64, error) {
	return pc.store.ActiveHolders(ctx, name)
}

func (pc *PermissionChecker) Invalidate(ctx context.Context, userIDs ...int64) {
	pc.gen.Add(1)
	if pc.cache != nil {
		pc.cache.Delete(ctx, userIDs...)
	}
}

func (pc *PermissionChecker) InvalidateAll(ctx context.Context) {
	pc.gen.Add(1)
	if pc.cache != nil {
		pc.cache.Purge(ctx)
	}
}
