package models

import (
	"context"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
)

// invalidateCache swallows a cache invalidation failure after a committed DB
// write. The cache entry goes stale until its TTL, which beats surfacing an
// error for a write that already happened.
func invalidateCache(moduleName string, funcName string, data any, err error) {
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, funcName, "cache invalidation", data, err)
	}
}

// GetResource reads a single entity, Redis first, then DB, caching the result.
// (may return RecordNotFound error)
func GetResource[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	// find in redis
	result, err := utils.RetrieveRedis[T](id)
	if err != nil {
		return nil, err
	}
	// if not found in redis
	if result == nil {
		// fetch from db
		result, err = utils.FetchModel[T](ctx, id, associations...)
		if err != nil {
			return nil, err
		}

		// store in redis
		if err := utils.StoreRedis[T](result, id); err != nil {
			return nil, err
		}
	}

	return result, nil
}
