package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainctl/chainerr"
	"chainctl/config"
	"chainctl/crypto"
	"chainctl/merkle"
	"chainctl/store"
	"chainctl/txapply"
	"chainctl/types"
	"chainctl/wire"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Chain.BlocksPerRound = 3
	cfg.Chain.ProducerRepetitions = 1
	cfg.Chain.ProducerCount = 3
	cfg.Chain.BlockIntervalMS = 500
	cfg.Chain.MaxTransactionLifetime = time.Hour
	cfg.Chain.MaxAuthorityDepth = 6
	cfg.Chain.IrreversibleThresholdPercent = 67
	cfg.Chain.Percent100 = 100
	return cfg
}

// newTestController wires a Controller over a fresh temp-dir store with a
// three-producer genesis schedule {A,B,C}, mirroring scenario 1 of
// spec.md §8.
func newTestController(t *testing.T, registry *txapply.Registry, permLookup func(account, permission string) (*types.Permission, bool), links []types.PermissionLink) (*Controller, time.Time) {
	t.Helper()
	mgr, err := store.Open(t.TempDir(), config.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	genesisTime := time.Unix(1700000000, 0).UTC()
	genesis := Genesis{
		Time: genesisTime,
		Producers: types.ProducerSchedule{
			Version: 1,
			Producers: []types.ProducerKey{
				{ProducerName: "A", SigningKey: []byte("keyA")},
				{ProducerName: "B", SigningKey: []byte("keyB")},
				{ProducerName: "C", SigningKey: []byte("keyC")},
			},
		},
	}

	c, err := New(mgr, testConfig(), []byte("test-chain"), genesis, Deps{
		Registry:      registry,
		AccountExists: func(string) bool { return true },
		PermLookup:    permLookup,
		Links:         links,
	})
	require.NoError(t, err)
	return c, genesisTime
}

func allSkip() SkipFlags {
	return SkipFlags{
		ProducerSignature:     true,
		TransactionSignatures: true,
		TransactionDupeCheck:  false,
		ForkDB:                false,
		TaposCheck:            true,
		AuthorityCheck:        true,
		MerkleCheck:           false,
		ProducerScheduleCheck: true,
		ScopeCheck:            true,
	}
}

// Scenario 1: genesis + first block (spec.md §8).
func TestGenesisAndFirstBlock(t *testing.T) {
	c, genesisTime := newTestController(t, txapply.NewRegistry(), nil, nil)

	block, err := c.GenerateBlock(genesisTime.Add(500*time.Millisecond), "A", nil, allSkip())
	require.NoError(t, err)
	require.NotNil(t, block)

	require.EqualValues(t, 1, c.HeadBlockNum())
	require.Equal(t, "A", c.HeadBlockProducer())
	require.NotEmpty(t, c.HeadBlockID())

	fetched, ok, err := c.FetchBlockByNumber(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c.HeadBlockID(), merkle.BlockID(&fetched.Header))
}

// Scenario 2: duplicate rejection (spec.md §8).
func TestDuplicateTransactionRejected(t *testing.T) {
	registry := txapply.NewRegistry()
	registry.Register("test", "test", "noop", func(ctx *txapply.ApplyContext) error { return nil })
	c, _ := newTestController(t, registry, nil, nil)

	tx := &types.SignedTransaction{
		Expiration: time.Now().Add(time.Minute),
		WriteScope: []string{"test"},
		Actions: []types.Action{{
			Scope: "test",
			Name:  "noop",
		}},
	}
	skip := SkipFlags{AuthorityCheck: true, TaposCheck: true, ProducerScheduleCheck: true}

	_, err := c.PushTransaction(tx, skip)
	require.NoError(t, err)

	_, err = c.PushTransaction(tx, skip)
	require.Error(t, err)
	require.ErrorIs(t, err, chainerr.ErrTxDuplicate)
}

// Scenario 5: irreversibility advance (spec.md §8).
func TestIrreversibilityAdvance(t *testing.T) {
	c, genesisTime := newTestController(t, txapply.NewRegistry(), nil, nil)

	when := genesisTime
	for h := 0; h < 5; h++ {
		when = when.Add(500 * time.Millisecond)
		_, err := c.GenerateBlock(when, "A", nil, allSkip())
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, c.HeadBlockNum())

	confirmed := map[string]uint32{"A": 5, "B": 4, "C": 3}
	require.NoError(t, c.AdvanceIrreversibility(confirmed))
	require.Greater(t, c.LastIrreversibleBlockNum(), uint64(0))

	lib := c.LastIrreversibleBlockNum()
	b, ok, err := c.FetchBlockByNumber(lib)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, lib, b.Header.Height)
}

// Scenario 6: authorization via a parent permission (spec.md §8).
func TestAuthorizationViaParentPermission(t *testing.T) {
	ownerPriv, err := crypto.NewPrivateKeyFromBytes(make32(7))
	require.NoError(t, err)
	ownerPub := ownerPriv.PublicKeyBytes()

	strangerPriv, err := crypto.NewPrivateKeyFromBytes(make32(99))
	require.NoError(t, err)

	permLookup := func(account, permission string) (*types.Permission, bool) {
		if account != "alice" {
			return nil, false
		}
		switch permission {
		case "owner":
			return &types.Permission{
				Owner: "alice", Name: "owner",
				Authority: types.Authority{
					Threshold: 1,
					Keys:      []types.KeyWeight{{Key: ownerPub, Weight: 1}},
				},
			}, true
		case "active":
			return &types.Permission{
				Owner: "alice", Name: "active", Parent: "owner",
				Authority: types.Authority{
					Threshold: 1,
					Accounts:  []types.AccountWeight{{Permission: types.PermissionLevel{Actor: "alice", Permission: "owner"}, Weight: 1}},
				},
			}, true
		}
		return nil, false
	}

	registry := txapply.NewRegistry()
	registry.Register("test", "test", "noop", func(ctx *txapply.ApplyContext) error { return nil })
	c, _ := newTestController(t, registry, permLookup, nil)

	newTx := func() *types.SignedTransaction {
		return &types.SignedTransaction{
			Expiration: time.Now().Add(time.Minute),
			WriteScope: []string{"test"},
			Actions: []types.Action{{
				Scope:         "test",
				Name:          "noop",
				Authorization: []types.PermissionLevel{{Actor: "alice", Permission: "active"}},
			}},
		}
	}
	skip := SkipFlags{TaposCheck: true, ProducerScheduleCheck: true}

	okTx := newTx()
	sig, err := ownerPriv.Sign(crypto.ChainDigest([]byte("test-chain"), wire.EncodeTransaction(okTx)))
	require.NoError(t, err)
	okTx.Signatures = [][]byte{sig}

	_, err = c.PushTransaction(okTx, skip)
	require.NoError(t, err)

	required, err := c.GetRequiredKeys(okTx, [][]byte{ownerPub})
	require.NoError(t, err)
	require.Len(t, required, 1)

	badTx := newTx()
	badSig, err := strangerPriv.Sign(crypto.ChainDigest([]byte("test-chain"), wire.EncodeTransaction(badTx)))
	require.NoError(t, err)
	badTx.Signatures = [][]byte{badSig}

	_, err = c.PushTransaction(badTx, skip)
	require.Error(t, err)
}

func make32(seed byte) []byte {
	b := make([]byte, 32)
	b[31] = seed
	b[0] = 1
	return b
}
