// Package authority implements the recursive permission/threshold
// evaluation of spec.md §4.D. Grounded on the teacher's consensus/
// snowball.go weighted-accumulate-and-compare pattern (sum candidate
// weights, compare against a threshold), generalized from flat vote
// counting over a single round to recursive account-authority expansion
// with a depth budget. Pure in-memory graph evaluation — no pack library
// applies here, so this stays stdlib-only like snowball.go itself.
package authority

import (
	"encoding/hex"
	"fmt"

	"chainctl/chainerr"
	"chainctl/types"
)

// PermissionLookup resolves a (account, permission name) pair to its
// authority definition. Supplied by the store layer; the checker itself
// has no notion of how permissions are persisted.
type PermissionLookup func(account, permission string) (*types.Permission, bool)

// Checker evaluates whether a set of provided keys/account-levels satisfy
// a permission's authority, recursively expanding sub-authorities.
type Checker struct {
	lookup        PermissionLookup
	maxDepth      int
	providedKeys  map[string]bool          // hex-encoded compressed pubkey -> provided
	providedAccts map[types.PermissionLevel]bool
	usedKeys      map[string]bool
}

// NewChecker constructs a Checker over the given provided keys and
// account-levels (the latter optional — e.g. for a transaction already
// known to be co-signed by another contract's permission).
func NewChecker(lookup PermissionLookup, maxDepth int, providedKeys [][]byte, providedAccounts []types.PermissionLevel) *Checker {
	keys := make(map[string]bool, len(providedKeys))
	for _, k := range providedKeys {
		keys[hex.EncodeToString(k)] = true
	}
	accts := make(map[types.PermissionLevel]bool, len(providedAccounts))
	for _, a := range providedAccounts {
		accts[a] = true
	}
	return &Checker{
		lookup:        lookup,
		maxDepth:      maxDepth,
		providedKeys:  keys,
		providedAccts: accts,
		usedKeys:      make(map[string]bool),
	}
}

// Satisfied reports whether level's authority can be satisfied with the
// checker's provided keys/accounts (spec.md §4.D).
func (c *Checker) Satisfied(level types.PermissionLevel) (bool, error) {
	return c.satisfied(level, c.maxDepth)
}

func (c *Checker) satisfied(level types.PermissionLevel, depthBudget int) (bool, error) {
	if depthBudget < 0 {
		return false, nil
	}
	perm, ok := c.lookup(level.Actor, level.Permission)
	if !ok {
		return false, fmt.Errorf("authority: lookup %s@%s: %w", level.Actor, level.Permission, chainerr.ErrUnknownAccount)
	}

	var weight uint32
	auth := perm.Authority

	for _, kw := range auth.Keys {
		if c.providedKeys[hex.EncodeToString(kw.Key)] {
			c.usedKeys[hex.EncodeToString(kw.Key)] = true
			weight += uint32(kw.Weight)
		}
	}

	for _, aw := range auth.Accounts {
		if c.providedAccts[aw.Permission] {
			weight += uint32(aw.Weight)
			continue
		}
		ok, err := c.satisfied(aw.Permission, depthBudget-1)
		if err != nil {
			return false, err
		}
		if ok {
			weight += uint32(aw.Weight)
		}
	}

	return weight >= auth.Threshold, nil
}

// UsedKeys returns every provided key (hex-encoded) that matched a key of
// any authority evaluated by this Checker, whether or not that evaluation
// reached its threshold.
func (c *Checker) UsedKeys() []string {
	out := make([]string, 0, len(c.usedKeys))
	for k := range c.usedKeys {
		out = append(out, k)
	}
	return out
}

// AllKeysUsed reports whether every provided key was used by some
// Satisfied call on this Checker (usage accumulates across calls), i.e. no
// signature was irrelevant to the authorization
// (spec.md §7 tx_irrelevant_sig).
func (c *Checker) AllKeysUsed() bool {
	for k := range c.providedKeys {
		if !c.usedKeys[k] {
			return false
		}
	}
	return true
}

// LookupMinimumPermission resolves the permission name required to
// authorize (scope, action) for authorizer, preferring the most specific
// link registered: exact (authorizer, scope, action), then
// (authorizer, scope, ""), then falling back to "active" (spec.md §4.D).
func LookupMinimumPermission(links []types.PermissionLink, authorizer, scope, action string) string {
	var scopeDefault string
	for _, l := range links {
		if l.Account != authorizer || l.Scope != scope {
			continue
		}
		if l.Action == action {
			return l.RequiredPermission
		}
		if l.Action == "" {
			scopeDefault = l.RequiredPermission
		}
	}
	if scopeDefault != "" {
		return scopeDefault
	}
	return "active"
}
