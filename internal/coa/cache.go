package coa

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKey = "coa:accounts"

// Loader supplies the authoritative account set, typically the Repository.
type Loader interface {
	ListActive(ctx context.Context) ([]Account, error)
}

// CachedRegistry serves registry lookups from a Redis snapshot of the chart
// of accounts, reloading on miss. Invalidation is explicit: the registry is
// read-only from the core's perspective and only changes when master data
// maintenance (outside the core) bumps it.
type CachedRegistry struct {
	client *redis.Client
	loader Loader
	ttl    time.Duration
}

// NewCachedRegistry constructs the cache-backed registry.
func NewCachedRegistry(client *redis.Client, loader Loader, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{client: client, loader: loader, ttl: ttl}
}

func (r *CachedRegistry) snapshot(ctx context.Context) (map[string]Account, error) {
	if r.loader == nil {
		return nil, errors.New("coa: loader required")
	}
	if r.client != nil {
		raw, err := r.client.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var accounts []Account
			if err := json.Unmarshal(raw, &accounts); err == nil {
				return indexAccounts(accounts), nil
			}
		} else if !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}
	accounts, err := r.loader.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if r.client != nil {
		if raw, err := json.Marshal(accounts); err == nil {
			_ = r.client.Set(ctx, cacheKey, raw, r.ttl).Err()
		}
	}
	return indexAccounts(accounts), nil
}

// Contains reports whether code is a member of the registry.
func (r *CachedRegistry) Contains(ctx context.Context, code string) (bool, error) {
	accounts, err := r.snapshot(ctx)
	if err != nil {
		return false, err
	}
	_, ok := accounts[code]
	return ok, nil
}

// Lookup returns the account for code when present.
func (r *CachedRegistry) Lookup(ctx context.Context, code string) (Account, bool, error) {
	accounts, err := r.snapshot(ctx)
	if err != nil {
		return Account{}, false, err
	}
	account, ok := accounts[code]
	return account, ok, nil
}

// Codes returns the member codes.
func (r *CachedRegistry) Codes(ctx context.Context) ([]string, error) {
	accounts, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(accounts))
	for code := range accounts {
		codes = append(codes, code)
	}
	return codes, nil
}

// Invalidate drops the cached snapshot so the next lookup reloads.
func (r *CachedRegistry) Invalidate(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Del(ctx, cacheKey).Err()
}

func indexAccounts(accounts []Account) map[string]Account {
	indexed := make(map[string]Account, len(accounts))
	for _, account := range accounts {
		indexed[account.Code] = account
	}
	return indexed
}
