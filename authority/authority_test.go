package authority

import (
	"testing"

	"chainctl/types"
)

func perm(owner, name, parent string, threshold uint32, keys []types.KeyWeight, accounts []types.AccountWeight) *types.Permission {
	return &types.Permission{
		Owner:  owner,
		Name:   name,
		Parent: parent,
		Authority: types.Authority{
			Threshold: threshold,
			Keys:      keys,
			Accounts:  accounts,
		},
	}
}

func lookupFrom(perms map[string]*types.Permission) PermissionLookup {
	return func(account, permission string) (*types.Permission, bool) {
		p, ok := perms[account+"/"+permission]
		return p, ok
	}
}

func TestSatisfiedDirectKey(t *testing.T) {
	keyA := []byte{0x02, 0x01}
	perms := map[string]*types.Permission{
		"alice/active": perm("alice", "active", "owner", 1, []types.KeyWeight{{Key: keyA, Weight: 1}}, nil),
	}
	c := NewChecker(lookupFrom(perms), 3, [][]byte{keyA}, nil)
	ok, err := c.Satisfied(types.PermissionLevel{Actor: "alice", Permission: "active"})
	if err != nil {
		t.Fatalf("Satisfied failed: %v", err)
	}
	if !ok {
		t.Fatal("expected satisfied with matching key")
	}
	if !c.AllKeysUsed() {
		t.Error("expected the single provided key to be marked used")
	}
}

func TestSatisfiedInsufficientWeight(t *testing.T) {
	keyA := []byte{0x02, 0x01}
	perms := map[string]*types.Permission{
		"alice/active": perm("alice", "active", "owner", 2, []types.KeyWeight{{Key: keyA, Weight: 1}}, nil),
	}
	c := NewChecker(lookupFrom(perms), 3, [][]byte{keyA}, nil)
	ok, err := c.Satisfied(types.PermissionLevel{Actor: "alice", Permission: "active"})
	if err != nil {
		t.Fatalf("Satisfied failed: %v", err)
	}
	if ok {
		t.Fatal("expected unsatisfied: threshold 2 but only weight 1 provided")
	}
}

func TestSatisfiedRecursiveSubAuthority(t *testing.T) {
	keyB := []byte{0x02, 0x02}
	perms := map[string]*types.Permission{
		"alice/active": perm("alice", "active", "owner", 1, nil, []types.AccountWeight{
			{Permission: types.PermissionLevel{Actor: "bob", Permission: "active"}, Weight: 1},
		}),
		"bob/active": perm("bob", "active", "owner", 1, []types.KeyWeight{{Key: keyB, Weight: 1}}, nil),
	}
	c := NewChecker(lookupFrom(perms), 3, [][]byte{keyB}, nil)
	ok, err := c.Satisfied(types.PermissionLevel{Actor: "alice", Permission: "active"})
	if err != nil {
		t.Fatalf("Satisfied failed: %v", err)
	}
	if !ok {
		t.Fatal("expected satisfied via bob's sub-authority key")
	}
}

func TestSatisfiedDepthBudgetExhausted(t *testing.T) {
	keyB := []byte{0x02, 0x02}
	perms := map[string]*types.Permission{
		"alice/active": perm("alice", "active", "owner", 1, nil, []types.AccountWeight{
			{Permission: types.PermissionLevel{Actor: "bob", Permission: "active"}, Weight: 1},
		}),
		"bob/active": perm("bob", "active", "owner", 1, []types.KeyWeight{{Key: keyB, Weight: 1}}, nil),
	}
	c := NewChecker(lookupFrom(perms), 0, [][]byte{keyB}, nil)
	ok, err := c.Satisfied(types.PermissionLevel{Actor: "alice", Permission: "active"})
	if err != nil {
		t.Fatalf("Satisfied failed: %v", err)
	}
	if ok {
		t.Fatal("expected unsatisfied: recursion budget exhausted before reaching bob")
	}
}

func TestLookupMinimumPermissionPrecedence(t *testing.T) {
	links := []types.PermissionLink{
		{Account: "alice", Scope: "token", Action: "", RequiredPermission: "active"},
		{Account: "alice", Scope: "token", Action: "transfer", RequiredPermission: "transferonly"},
	}
	if got := LookupMinimumPermission(links, "alice", "token", "transfer"); got != "transferonly" {
		t.Errorf("exact match = %q, want transferonly", got)
	}
	if got := LookupMinimumPermission(links, "alice", "token", "issue"); got != "active" {
		t.Errorf("scope default = %q, want active", got)
	}
	if got := LookupMinimumPermission(links, "alice", "other", "issue"); got != "active" {
		t.Errorf("fallback = %q, want active", got)
	}
}
