// Package cache provides a context-aware cache interface with a type-safe
// cache-aside helper.
//
// [NewInMemory] is an in-process map guarded by a mutex. Values are stored
// as-is, so a cached pointer is the same pointer on every hit. Entries stored
// with [NoExpiry] live until they are explicitly expired or the cache is
// closed; other entries are dropped lazily on read and by a background sweep.
//
// [Exec] combines lookup and population:
//
//	found, m, err := cache.Exec(ctx, cache.CacheConfig{Key: key, Expires: cache.NoExpiry}, c,
//	    func(ctx context.Context) (*Model, bool, error) {
//	        m, err := build(ctx)
//	        return m, err == nil, err
//	    })
//
// Exec does not deduplicate concurrent misses; callers that need a
// build-exactly-once guarantee wrap it in a singleflight group.
package cache
