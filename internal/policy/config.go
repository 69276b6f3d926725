package policy

import (
	"sync/atomic"
)

// Config carries the tunable policy inputs. It is injected at startup and
// hot-reloadable through Store; the engine itself never reads global state.
type Config struct {
	// LargeTransactionThreshold is the single-line amount above which a
	// proposal is classified high risk.
	LargeTransactionThreshold float64
	// SensitiveAccounts lists account codes whose involvement forces high risk.
	SensitiveAccounts []string
	// LowConfidenceThreshold is the extraction confidence below which a
	// proposal is classified medium risk.
	LowConfidenceThreshold float64
	// ApproverIDs is the identity allow-list for approval rights.
	ApproverIDs []string
	// ApproverRoles is the role set granting approval rights.
	ApproverRoles []string
}

// DefaultConfig returns the baseline policy configuration.
func DefaultConfig() Config {
	return Config{
		LargeTransactionThreshold: 1_000_000_000,
		LowConfidenceThreshold:    0.7,
		ApproverRoles:             []string{"accountant", "admin"},
	}
}

func (c Config) sensitiveSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.SensitiveAccounts))
	for _, code := range c.SensitiveAccounts {
		set[code] = struct{}{}
	}
	return set
}

func (c Config) approverIDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ApproverIDs))
	for _, id := range c.ApproverIDs {
		set[id] = struct{}{}
	}
	return set
}

func (c Config) approverRoleSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ApproverRoles))
	for _, role := range c.ApproverRoles {
		set[role] = struct{}{}
	}
	return set
}

// Store holds the live policy configuration and supports atomic replacement
// without interrupting in-flight evaluations.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore seeds the store with cfg.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.current.Store(&cfg)
	return s
}

// Current returns the active configuration.
func (s *Store) Current() Config {
	return *s.current.Load()
}

// Reload swaps in a new configuration.
func (s *Store) Reload(cfg Config) {
	s.current.Store(&cfg)
}
