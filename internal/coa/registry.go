package coa

import (
	"context"
	"sort"
)

// Registry answers membership and category questions about account codes.
type Registry interface {
	Contains(ctx context.Context, code string) (bool, error)
	Lookup(ctx context.Context, code string) (Account, bool, error)
	Codes(ctx context.Context) ([]string, error)
}

// StaticRegistry serves a fixed set of accounts injected as configuration.
type StaticRegistry struct {
	accounts map[string]Account
}

// NewStaticRegistry builds a registry from the given accounts.
func NewStaticRegistry(accounts []Account) *StaticRegistry {
	indexed := make(map[string]Account, len(accounts))
	for _, account := range accounts {
		indexed[account.Code] = account
	}
	return &StaticRegistry{accounts: indexed}
}

// NewStaticRegistryFromPartitions builds a registry from code lists grouped
// by category, the shape the chart of accounts arrives in from configuration.
func NewStaticRegistryFromPartitions(partitions map[AccountCategory][]string) *StaticRegistry {
	var accounts []Account
	for category, codes := range partitions {
		for _, code := range codes {
			accounts = append(accounts, Account{Code: code, Category: category, IsActive: true})
		}
	}
	return NewStaticRegistry(accounts)
}

// Contains reports whether code is a member of the registry.
func (r *StaticRegistry) Contains(ctx context.Context, code string) (bool, error) {
	_, ok := r.accounts[code]
	return ok, nil
}

// Lookup returns the account for code when present.
func (r *StaticRegistry) Lookup(ctx context.Context, code string) (Account, bool, error) {
	account, ok := r.accounts[code]
	return account, ok, nil
}

// Codes returns the member codes in a stable order.
func (r *StaticRegistry) Codes(ctx context.Context) ([]string, error) {
	codes := make([]string, 0, len(r.accounts))
	for code := range r.accounts {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}
